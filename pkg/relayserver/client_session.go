package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelabs/relayd/pkg/protocol"
	"github.com/kestrelabs/relayd/pkg/registry"
	"github.com/kestrelabs/relayd/pkg/wire"
)

// runClientSession services one CLI client connection: REQUEST,
// LIST_INSTANCES, and SET_DEFAULT frames may arrive in any order and in any
// number over the connection's lifetime. Each is handled in its own
// goroutine so a slow in-flight request doesn't stall unrelated ones on the
// same connection; pkg/wire.Conn's internal write lock keeps responses from
// interleaving mid-frame.
func (s *Server) runClientSession(ctx context.Context, conn *wire.Conn, firstRaw []byte) {
	clientID := uuid.NewString()
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.log.Info("client session started", "client_id", clientID, "remote", conn.RemoteAddr().String())
	defer s.log.Info("client session ended", "client_id", clientID)

	s.dispatchClientFrame(sessCtx, conn, clientID, firstRaw)

	for {
		raw, err := conn.ReadRaw()
		if err != nil {
			if fe, ok := wire.IsFrameError(err); ok {
				conn.WriteError(fe.Code, fe.Message)
			}
			_ = conn.Close()
			return
		}
		go s.dispatchClientFrame(sessCtx, conn, clientID, raw)
	}
}

func (s *Server) dispatchClientFrame(ctx context.Context, conn *wire.Conn, clientID string, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		conn.WriteError(string(protocol.ErrMalformedJSON), err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeRequest:
		s.handleRequest(ctx, conn, clientID, raw)
	case protocol.TypeListInstances:
		s.handleListInstances(conn)
	case protocol.TypeSetDefault:
		s.handleSetDefault(conn, raw)
	default:
		s.log.Warn("unexpected frame from client", "client_id", clientID, "type", env.Type)
	}
}

func (s *Server) handleRequest(ctx context.Context, conn *wire.Conn, clientID string, raw []byte) {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		conn.WriteError(string(protocol.ErrMalformedJSON), err.Error())
		return
	}
	if req.ID == "" || req.Command == "" {
		_ = conn.WriteMessage(protocol.Response{
			Type: protocol.TypeResponse, ID: req.ID, Success: false,
			Error: &protocol.ErrorDetail{Code: protocol.ErrInvalidParams, Message: "request missing id or command"},
		})
		return
	}

	timeout := s.cfg.RequestTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	requestKey := req.ID

	var result *protocol.CommandResult
	dispatch := func() error {
		var dispatchErr error
		result, dispatchErr = s.reg.Dispatch(reqCtx, requestKey, req.InstanceID, req.Command, req.Params, timeout)
		return dispatchErr
	}

	var err error
	if s.bh != nil {
		err = s.bh.Execute(reqCtx, dispatch)
	} else {
		err = dispatch()
	}
	if err != nil {
		_ = conn.WriteMessage(protocol.Response{
			Type: protocol.TypeResponse, ID: req.ID, Success: false, Error: errToDetail(err),
		})
		return
	}

	_ = conn.WriteMessage(protocol.Response{
		Type:    protocol.TypeResponse,
		ID:      req.ID,
		Success: result.Success,
		Data:    result.Data,
		Error:   result.Error,
	})
}

func errToDetail(err error) *protocol.ErrorDetail {
	if detail, ok := registry.Detail(err); ok {
		return &detail
	}
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return &protocol.ErrorDetail{Code: protocol.ErrInstanceNotFound, Message: err.Error()}
	case errors.Is(err, registry.ErrNoDefault):
		return &protocol.ErrorDetail{Code: protocol.ErrInstanceNotFound, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &protocol.ErrorDetail{Code: protocol.ErrTimeout, Message: "request timed out"}
	default:
		return &protocol.ErrorDetail{Code: protocol.ErrInternal, Message: err.Error()}
	}
}

func (s *Server) handleListInstances(conn *wire.Conn) {
	summaries := s.reg.List()
	out := make([]protocol.InstanceSummary, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, protocol.InstanceSummary{
			ID:           sum.ID,
			ProjectName:  sum.ProjectName,
			Version:      sum.EngineVersion,
			Status:       string(sum.State),
			Capabilities: sum.Capabilities,
		})
	}
	_ = conn.WriteMessage(protocol.Instances{Type: protocol.TypeInstances, Instances: out})
}

func (s *Server) handleSetDefault(conn *wire.Conn, raw []byte) {
	var req protocol.SetDefault
	if err := json.Unmarshal(raw, &req); err != nil {
		conn.WriteError(string(protocol.ErrMalformedJSON), err.Error())
		return
	}
	if err := s.reg.SetDefault(req.InstanceID); err != nil {
		_ = conn.WriteMessage(protocol.Error{
			Type: protocol.TypeError, Code: protocol.ErrInstanceNotFound, Message: err.Error(),
		})
		return
	}
	_ = conn.WriteMessage(protocol.Ack{Type: protocol.TypeAck, InstanceID: req.InstanceID})
}
