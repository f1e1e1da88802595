package relayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrelabs/relayd/pkg/protocol"
	"github.com/kestrelabs/relayd/pkg/registry"
	"github.com/kestrelabs/relayd/pkg/resilience"
	"github.com/kestrelabs/relayd/pkg/wire"
)

// editorConn adapts a *wire.Conn to registry.Sender. pkg/wire.Conn already
// serializes concurrent writers internally, so no additional locking is
// needed here. Sends are wrapped in a circuit breaker so a connection whose
// writes keep failing stops being hammered with further command attempts
// between disconnect detection cycles.
type editorConn struct {
	conn *wire.Conn
	cb   *resilience.CircuitBreaker
}

func newEditorConn(conn *wire.Conn, instanceID string) *editorConn {
	return &editorConn{
		conn: conn,
		cb: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         instanceID,
			MaxFailures:  3,
			ResetTimeout: 5 * time.Second,
		}),
	}
}

func (e *editorConn) SendCommand(cmd *protocol.Command) error {
	return e.cb.Execute(func() error { return e.conn.WriteMessage(cmd) })
}
func (e *editorConn) SendPing(ping *protocol.Ping) error {
	return e.cb.Execute(func() error { return e.conn.WriteMessage(ping) })
}
func (e *editorConn) Close() error { return e.conn.Close() }

// runEditorSession validates the REGISTER frame already read as raw, enrolls
// the instance in the registry, and then reads STATUS/COMMAND_RESULT/PONG
// frames until the connection fails, mirroring handleAgentConnect's
// register-then-processAgentMessages shape.
func (s *Server) runEditorSession(ctx context.Context, conn *wire.Conn, registerRaw []byte) {
	var reg protocol.Register
	if err := json.Unmarshal(registerRaw, &reg); err != nil {
		conn.WriteError(string(protocol.ErrMalformedJSON), err.Error())
		_ = conn.Close()
		return
	}

	if reg.ProtocolVersion != protocol.ProtocolVersion {
		ack := protocol.Registered{
			Type:    protocol.TypeRegistered,
			Success: false,
			Error: &protocol.ErrorDetail{
				Code:    protocol.ErrProtocolVersionMismatch,
				Message: fmt.Sprintf("relay speaks protocol version %d, got %d", protocol.ProtocolVersion, reg.ProtocolVersion),
			},
		}
		_ = conn.WriteMessage(ack)
		_ = conn.Close()
		return
	}
	if reg.InstanceID == "" {
		conn.WriteError(string(protocol.ErrProtocol), "register frame missing instance_id")
		_ = conn.Close()
		return
	}

	sender := newEditorConn(conn, reg.InstanceID)
	s.reg.Register(reg.InstanceID, reg.ProjectName, reg.EngineVersion, reg.Capabilities, sender)

	ack := protocol.Registered{
		Type:                protocol.TypeRegistered,
		Success:             true,
		HeartbeatIntervalMS: s.cfg.HeartbeatInterval.Milliseconds(),
	}
	if err := conn.WriteMessage(ack); err != nil {
		s.reg.Disconnect(reg.InstanceID)
		return
	}

	s.log.Info("editor session started", "instance_id", reg.InstanceID)
	defer s.log.Info("editor session ended", "instance_id", reg.InstanceID)

	for {
		raw, err := conn.ReadRaw()
		if err != nil {
			s.reg.Disconnect(reg.InstanceID)
			if fe, ok := wire.IsFrameError(err); ok {
				conn.WriteError(fe.Code, fe.Message)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			conn.WriteError(string(protocol.ErrMalformedJSON), err.Error())
			s.reg.Disconnect(reg.InstanceID)
			_ = conn.Close()
			return
		}

		switch env.Type {
		case protocol.TypeCommandResult:
			var result protocol.CommandResult
			if err := json.Unmarshal(raw, &result); err != nil {
				continue
			}
			s.reg.Complete(reg.InstanceID, &result)
		case protocol.TypeStatus:
			var st protocol.Status
			if err := json.Unmarshal(raw, &st); err != nil {
				continue
			}
			s.applyStatus(reg.InstanceID, st)
		case protocol.TypePong:
			var pong protocol.Pong
			if err := json.Unmarshal(raw, &pong); err != nil {
				continue
			}
			s.reg.ReceivePong(reg.InstanceID)
		default:
			s.log.Warn("unexpected frame from editor", "instance_id", reg.InstanceID, "type", env.Type)
		}
	}
}

func (s *Server) applyStatus(instanceID string, st protocol.Status) {
	var state registry.State
	switch st.Status {
	case "ready":
		state = registry.StateReady
	case "busy":
		state = registry.StateBusy
	case "reloading":
		state = registry.StateReloading
	default:
		s.log.Warn("unrecognized status from editor", "instance_id", instanceID, "status", st.Status)
		return
	}
	if err := s.reg.SetStatus(instanceID, state); err != nil {
		s.log.Warn("status update for unknown instance", "instance_id", instanceID, "error", err)
	}
}
