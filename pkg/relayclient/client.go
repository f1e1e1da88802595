// Package relayclient implements the CLI-facing side of the wire protocol:
// a single persistent connection to relayd that multiplexes concurrent
// requests and answers them out of a pending-by-ID table, plus the
// transient-error retry policy described in spec.md §4.4.
//
// Grounded on the teacher's WSTunnel/SendCommandWS pattern — a
// mutex-guarded "pending map[string]chan *Result" matching async replies
// back to their waiting caller — generalized from the agent side of
// pkg/relay/ws_relay.go to the client side, since here the relay is the
// server and relayctl is the one dialing out.
package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelabs/relayd/pkg/protocol"
	"github.com/kestrelabs/relayd/pkg/wire"
)

// Client is one persistent connection to relayd, safe for concurrent Call/
// ListInstances/SetDefault from multiple goroutines.
type Client struct {
	clientID string

	mu      sync.Mutex
	conn    *wire.Conn
	pending map[string]chan json.RawMessage
	closed  bool

	dialAddr string
	dialTO   time.Duration
}

// Dial connects to addr and starts the client's read loop.
func Dial(addr string, dialTimeout time.Duration) (*Client, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial relay at %s: %w", addr, err)
	}

	c := &Client{
		clientID: uuid.NewString(),
		conn:     wire.NewConn(nc),
		pending:  make(map[string]chan json.RawMessage),
		dialAddr: addr,
		dialTO:   dialTimeout,
	}
	go c.readLoop()
	return c, nil
}

// reconnect redials the relay and swaps in a fresh connection, restarting
// the read loop. Per spec.md §4.4, losing the connection mid-call is a
// transient condition the client recovers from on its own between retries,
// not a fatal error handed back to the caller. Any call that was still
// registered in c.pending was already failed by the old readLoop's
// failAllPending when the connection broke; Call re-sends it afresh under
// the same request id once reconnect returns.
func (c *Client) reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client closed")
	}
	oldConn := c.conn
	c.mu.Unlock()
	if oldConn != nil {
		_ = oldConn.Close()
	}

	nc, err := net.DialTimeout("tcp", c.dialAddr, c.dialTO)
	if err != nil {
		return fmt.Errorf("redial relay at %s: %w", c.dialAddr, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = nc.Close()
		return fmt.Errorf("client closed")
	}
	c.conn = wire.NewConn(nc)
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Close terminates the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// readLoop demultiplexes RESPONSE/INSTANCES/ACK/ERROR frames by sniffing
// their "id" field (Instances/Error carry no per-call id and are only ever
// awaited synchronously by the single in-flight ListInstances/SetDefault
// caller, matched via the reserved keys below).
const (
	listInstancesKey = "\x00list_instances"
	setDefaultKey    = "\x00set_default"
)

func (c *Client) readLoop() {
	for {
		raw, err := c.conn.ReadRaw()
		if err != nil {
			c.failAllPending()
			return
		}

		var env protocol.Envelope
		if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil {
			continue
		}

		var key string
		switch env.Type {
		case protocol.TypeResponse:
			key = env.ID
		case protocol.TypeInstances:
			key = listInstancesKey
		case protocol.TypeAck:
			key = setDefaultKey
		case protocol.TypeError:
			if env.ID != "" {
				key = env.ID
			} else {
				key = setDefaultKey
			}
		default:
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if ok {
			ch <- raw
		}
	}
}

func (c *Client) failAllPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan json.RawMessage)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) register(key string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// newRequestID produces the "<client-id>:<uuid>" identifier spec.md §4.2
// uses as the idempotency cache key; a caller-supplied retry of the same
// logical request must reuse the same ID for the server-side cache to
// dedupe it, which is exactly what Call does across its retry attempts.
func (c *Client) newRequestID() string {
	return c.clientID + ":" + uuid.NewString()
}

// Result is the decoded answer to a Call.
type Result struct {
	Success bool
	Data    json.RawMessage
	Error   *protocol.ErrorDetail
}

// call sends one REQUEST frame and waits for its RESPONSE, without retry.
func (c *Client) call(ctx context.Context, requestID, instanceID, command string, params json.RawMessage, timeout time.Duration) (*Result, error) {
	ch := c.register(requestID)
	defer c.unregister(requestID)

	req := protocol.Request{
		Type:       protocol.TypeRequest,
		ID:         requestID,
		InstanceID: instanceID,
		Command:    command,
		Params:     params,
		TimeoutMS:  timeout.Milliseconds(),
		Timestamp:  time.Now().UnixMilli(),
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if err := conn.WriteMessage(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed while awaiting response")
		}
		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &Result{Success: resp.Success, Data: resp.Data, Error: resp.Error}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListInstances requests the current instance snapshot.
func (c *Client) ListInstances(ctx context.Context) ([]protocol.InstanceSummary, error) {
	ch := c.register(listInstancesKey)
	defer c.unregister(listInstancesKey)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if err := conn.WriteMessage(protocol.ListInstances{Type: protocol.TypeListInstances}); err != nil {
		return nil, fmt.Errorf("send list_instances: %w", err)
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed while awaiting instance list")
		}
		var instances protocol.Instances
		if err := json.Unmarshal(raw, &instances); err != nil {
			return nil, fmt.Errorf("decode instances: %w", err)
		}
		return instances.Instances, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetDefault changes the relay's default-instance selection. The relay
// keeps one default for all clients, so the change is not limited to this
// connection.
func (c *Client) SetDefault(ctx context.Context, instanceID string) error {
	ch := c.register(setDefaultKey)
	defer c.unregister(setDefaultKey)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if err := conn.WriteMessage(protocol.SetDefault{Type: protocol.TypeSetDefault, InstanceID: instanceID}); err != nil {
		return fmt.Errorf("send set_default: %w", err)
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return fmt.Errorf("connection closed while awaiting set_default ack")
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decode set_default reply: %w", err)
		}
		if env.Type == protocol.TypeError {
			var e protocol.Error
			_ = json.Unmarshal(raw, &e)
			return fmt.Errorf("%s: %s", e.Code, e.Message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
