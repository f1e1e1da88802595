// Package relayserver implements the relay's TCP listener: it accepts
// connections, discriminates editor connections from client connections by
// their first frame, and bridges both into pkg/registry.
//
// The accept/session-loop shape is ported from the teacher's WSServer —
// handleAgentConnect, processAgentMessages, pingLoop — generalized from a
// WebSocket+mTLS transport to the plain length-prefixed TCP codec in
// pkg/wire, since spec.md's transport carries no auth or encryption.
package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelabs/relayd/pkg/protocol"
	"github.com/kestrelabs/relayd/pkg/registry"
	"github.com/kestrelabs/relayd/pkg/resilience"
	"github.com/kestrelabs/relayd/pkg/telemetry"
	"github.com/kestrelabs/relayd/pkg/wire"
)

// Config collects the knobs Server needs beyond what pkg/registry already
// owns.
type Config struct {
	Addr                  string
	HeartbeatInterval     time.Duration
	RequestTimeout        time.Duration // default applied when a Request omits timeout_ms
	MaxConcurrentRequests int           // 0 disables the bulkhead
}

// Server owns the listening socket and every live connection's session
// goroutines.
type Server struct {
	cfg Config
	reg *registry.Registry
	log *slog.Logger
	met *telemetry.Registry
	bh  *resilience.Bulkhead // nil when MaxConcurrentRequests is 0

	ln net.Listener
}

// New constructs a Server. Call Serve to start accepting.
func New(cfg Config, reg *registry.Registry, met *telemetry.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, reg: reg, log: log, met: met}
	if cfg.MaxConcurrentRequests > 0 {
		s.bh = resilience.NewBulkhead("client-requests", cfg.MaxConcurrentRequests)
	}
	return s
}

// Serve listens on cfg.Addr and runs the accept loop plus the heartbeat
// ticker under one errgroup until ctx is canceled, mirroring the teacher's
// pattern of supervising accept and ping loops side by side.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.log.Info("relay listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.heartbeatLoop(gctx) })

	<-gctx.Done()
	_ = ln.Close()
	err = g.Wait()
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.handleConn(ctx, wire.NewConn(nc))
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			ts := t.UnixMilli()
			for _, inst := range s.reg.List() {
				s.reg.SendProbe(inst.ID, ts)
			}
			s.reg.SweepLiveness()
			s.reg.SweepReloadGrace()
		}
	}
}

// handleConn reads the first frame to decide whether this connection is an
// editor (REGISTER) or a client (everything else), then hands off to the
// matching session loop.
func (s *Server) handleConn(ctx context.Context, conn *wire.Conn) {
	raw, err := conn.ReadRaw()
	if err != nil {
		s.closeWithError(conn, err)
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		conn.WriteError(string(protocol.ErrMalformedJSON), err.Error())
		_ = conn.Close()
		return
	}

	switch env.Type {
	case protocol.TypeRegister:
		s.runEditorSession(ctx, conn, raw)
	case protocol.TypeRequest, protocol.TypeListInstances, protocol.TypeSetDefault:
		s.runClientSession(ctx, conn, raw)
	default:
		conn.WriteError(string(protocol.ErrProtocol), fmt.Sprintf("unexpected first frame type %q", env.Type))
		_ = conn.Close()
	}
}

func (s *Server) closeWithError(conn *wire.Conn, err error) {
	if fe, ok := wire.IsFrameError(err); ok {
		conn.WriteError(fe.Code, fe.Message)
	}
	_ = conn.Close()
}

// Health is an in-process snapshot of the server's listen address and
// instance count; unlike the teacher's handleHealth there is no HTTP
// surface exposing it, and cmd/relayd does not call it.
type Health struct {
	Addr      string
	Instances int
}

// Health reports the current instance count. Safe to call concurrently
// with Serve.
func (s *Server) Health() Health {
	addr := s.cfg.Addr
	if s.ln != nil {
		addr = s.ln.Addr().String()
	}
	return Health{Addr: addr, Instances: len(s.reg.List())}
}
