// Package wire implements the relay's framed-message transport: every
// message is a 4-byte big-endian length prefix followed by that many bytes
// of UTF-8 JSON. Reads and writes are serialized per connection per
// direction by internal locks, so concurrent readers or concurrent writers
// on one Conn each get whole frames, one at a time.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxPayloadBytes is the hard cap on a single frame's JSON payload, per
// spec.md §4.1.
const MaxPayloadBytes = 16 * 1024 * 1024

// FrameError is returned for protocol/framing violations that are fatal for
// the connection they occurred on.
type FrameError struct {
	Code    string // "PROTOCOL_ERROR", "MALFORMED_JSON", "PAYLOAD_TOO_LARGE"
	Message string
}

func (e *FrameError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newFrameError(code, format string, args ...any) *FrameError {
	return &FrameError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Conn wraps a net.Conn with the length-prefixed JSON codec. Reads and
// writes may proceed concurrently; readMu serializes overlapping reads and
// writeMu serializes overlapping writes, so frames never interleave.
type Conn struct {
	nc net.Conn

	readMu  sync.Mutex
	writeMu sync.Mutex

	lenBuf [4]byte
}

// NewConn wraps nc in the framed codec.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// ReadMessage blocks until a full frame has arrived, decodes its JSON body
// into v, and returns. A length of zero or an oversized length is a fatal
// *FrameError; so is a JSON body that fails to unmarshal.
func (c *Conn) ReadMessage(v any) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if _, err := io.ReadFull(c.nc, c.lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(c.lenBuf[:])
	if n == 0 {
		return newFrameError("PROTOCOL_ERROR", "zero-length frame")
	}
	if n > MaxPayloadBytes {
		return newFrameError("PAYLOAD_TOO_LARGE", "frame of %d bytes exceeds %d byte cap", n, MaxPayloadBytes)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return err
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return newFrameError("MALFORMED_JSON", "%v", err)
	}
	return nil
}

// ReadRaw reads one frame and returns its undecoded JSON payload, for
// callers that need to sniff the "type" field before committing to a
// concrete decode target.
func (c *Conn) ReadRaw() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if _, err := io.ReadFull(c.nc, c.lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(c.lenBuf[:])
	if n == 0 {
		return nil, newFrameError("PROTOCOL_ERROR", "zero-length frame")
	}
	if n > MaxPayloadBytes {
		return nil, newFrameError("PAYLOAD_TOO_LARGE", "frame of %d bytes exceeds %d byte cap", n, MaxPayloadBytes)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteMessage marshals v to JSON and writes it as one frame. A payload
// that would exceed the cap is rejected without writing anything.
func (c *Conn) WriteMessage(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.WriteRaw(payload)
}

// WriteRaw writes an already-encoded JSON payload as one frame, unmodified,
// for callers that need its bytes sent exactly as given. The relay's own
// sessions send every frame through WriteMessage.
func (c *Conn) WriteRaw(payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return newFrameError("PAYLOAD_TOO_LARGE", "frame of %d bytes exceeds %d byte cap", len(payload), MaxPayloadBytes)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.nc.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := c.nc.Write(payload)
	return err
}

// WriteError best-effort writes a final ERROR frame before the caller
// closes the connection. Errors from this write are discarded — the
// connection is already being torn down.
func (c *Conn) WriteError(code, message string) {
	_ = c.WriteMessage(map[string]string{
		"type":    "error",
		"code":    code,
		"message": message,
	})
}

// IsFrameError reports whether err is a *FrameError, and returns it.
func IsFrameError(err error) (*FrameError, bool) {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
