package relayclient

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/kestrelabs/relayd/pkg/protocol"
	"github.com/kestrelabs/relayd/pkg/wire"
)

// fakeRelay is a minimal stand-in for relayserver that answers whatever
// scripted sequence of responses the test configures, keyed by how many
// REQUEST frames it has seen so far.
type fakeRelay struct {
	ln net.Listener
}

func startFakeRelay(t *testing.T, handle func(conn *wire.Conn, req protocol.Request, attempt int)) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fr := &fakeRelay{ln: ln}
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := wire.NewConn(nc)
		attempt := 0
		for {
			raw, err := conn.ReadRaw()
			if err != nil {
				return
			}
			var req protocol.Request
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			handle(conn, req, attempt)
			attempt++
		}
	}()
	return fr
}

func (fr *fakeRelay) addr() string { return fr.ln.Addr().String() }
func (fr *fakeRelay) close()       { _ = fr.ln.Close() }

func TestCallSucceedsImmediately(t *testing.T) {
	relay := startFakeRelay(t, func(conn *wire.Conn, req protocol.Request, attempt int) {
		_ = conn.WriteMessage(protocol.Response{Type: protocol.TypeResponse, ID: req.ID, Success: true, Data: []byte(`{"ok":true}`)})
	})
	defer relay.close()

	client, err := Dial(relay.addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "inst-1", "ping", nil, time.Second, 30*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
}

func TestCallRetriesTransientThenSucceeds(t *testing.T) {
	relay := startFakeRelay(t, func(conn *wire.Conn, req protocol.Request, attempt int) {
		if attempt < 2 {
			_ = conn.WriteMessage(protocol.Response{
				Type: protocol.TypeResponse, ID: req.ID, Success: false,
				Error: &protocol.ErrorDetail{Code: protocol.ErrInstanceBusy, Message: "busy"},
			})
			return
		}
		_ = conn.WriteMessage(protocol.Response{Type: protocol.TypeResponse, ID: req.ID, Success: true, Data: []byte(`{}`)})
	})
	defer relay.close()

	client, err := Dial(relay.addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "inst-1", "ping", nil, time.Second, 30*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.Success {
		t.Fatal("expected eventual success after retries")
	}
}

func TestCallGivesUpAfterNonRetryableError(t *testing.T) {
	calls := 0
	relay := startFakeRelay(t, func(conn *wire.Conn, req protocol.Request, attempt int) {
		calls++
		_ = conn.WriteMessage(protocol.Response{
			Type: protocol.TypeResponse, ID: req.ID, Success: false,
			Error: &protocol.ErrorDetail{Code: protocol.ErrInvalidParams, Message: "bad params"},
		})
	})
	defer relay.close()

	client, err := Dial(relay.addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "inst-1", "ping", nil, time.Second, 30*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("expected exactly one attempt for a non-retryable error, got %d", calls)
	}
}

// TestCallReconnectsAfterConnectionLoss exercises spec.md §4.4's connection-
// handling rule: losing the connection between retries is a transient
// failure, not a fatal one, so Call redials and resends the same request id
// rather than surfacing the transport error.
func TestCallReconnectsAfterConnectionLoss(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		nc1, err := ln.Accept()
		if err != nil {
			return
		}
		conn1 := wire.NewConn(nc1)
		raw, err := conn1.ReadRaw()
		if err != nil {
			return
		}
		var firstReq protocol.Request
		_ = json.Unmarshal(raw, &firstReq)
		_ = conn1.Close() // simulate the connection dropping before a response arrives

		nc2, err := ln.Accept()
		if err != nil {
			return
		}
		conn2 := wire.NewConn(nc2)
		raw2, err := conn2.ReadRaw()
		if err != nil {
			return
		}
		var secondReq protocol.Request
		_ = json.Unmarshal(raw2, &secondReq)
		if secondReq.ID != firstReq.ID {
			return // the retry must reuse the original request id
		}
		_ = conn2.WriteMessage(protocol.Response{Type: protocol.TypeResponse, ID: secondReq.ID, Success: true, Data: []byte(`{}`)})
	}()

	client, err := Dial(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "inst-1", "ping", nil, time.Second, 10*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.Success {
		t.Fatal("expected call to succeed after the client reconnects and resends")
	}
}

func TestListInstances(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := wire.NewConn(nc)
		raw, err := conn.ReadRaw()
		if err != nil {
			return
		}
		var env protocol.Envelope
		_ = json.Unmarshal(raw, &env)
		if env.Type != protocol.TypeListInstances {
			return
		}
		_ = conn.WriteMessage(protocol.Instances{
			Type:      protocol.TypeInstances,
			Instances: []protocol.InstanceSummary{{ID: "inst-1", ProjectName: "Demo"}},
		})
	}()

	client, err := Dial(ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	instances, err := client.ListInstances(ctx)
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	if len(instances) != 1 || instances[0].ID != "inst-1" {
		t.Errorf("expected one instance inst-1, got %+v", instances)
	}
}
