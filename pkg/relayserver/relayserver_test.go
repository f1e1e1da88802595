package relayserver

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/kestrelabs/relayd/pkg/protocol"
	"github.com/kestrelabs/relayd/pkg/registry"
	"github.com/kestrelabs/relayd/pkg/telemetry"
	"github.com/kestrelabs/relayd/pkg/wire"
)

func startTestServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	reg := registry.New(registry.Options{
		HeartbeatInterval: time.Hour, // keep liveness quiet during the test
		LostProbeLimit:    3,
		ReloadGrace:       time.Second,
		IdempotencyTTL:    time.Minute,
		QueueCapacity:     0,
	}, nil)

	srv := New(Config{Addr: "127.0.0.1:0", HeartbeatInterval: time.Hour, RequestTimeout: 2 * time.Second}, reg, telemetry.NewRegistry(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	go srv.acceptLoop(ctx)

	return ln.Addr().String(), func() {
		cancel()
		_ = ln.Close()
		reg.Close()
	}
}

func dial(t *testing.T, addr string) *wire.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return wire.NewConn(nc)
}

func TestEditorRegisterThenClientRequest(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	editor := dial(t, addr)
	defer editor.Close()

	if err := editor.WriteMessage(protocol.Register{
		Type: protocol.TypeRegister, ProtocolVersion: protocol.ProtocolVersion,
		InstanceID: "inst-1", ProjectName: "Demo", EngineVersion: "2022.3",
	}); err != nil {
		t.Fatalf("write register: %v", err)
	}

	var ack protocol.Registered
	if err := editor.ReadMessage(&ack); err != nil {
		t.Fatalf("read registered ack: %v", err)
	}
	if !ack.Success {
		t.Fatalf("registration failed: %+v", ack.Error)
	}

	go func() {
		var cmd protocol.Command
		if err := editor.ReadMessage(&cmd); err != nil {
			return
		}
		_ = editor.WriteMessage(protocol.CommandResult{
			Type: protocol.TypeCommandResult, ID: cmd.ID, Success: true, Data: []byte(`{"answer":42}`),
		})
	}()

	client := dial(t, addr)
	defer client.Close()

	if err := client.WriteMessage(protocol.Request{
		Type: protocol.TypeRequest, ID: "r1", InstanceID: "inst-1", Command: "ping",
	}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var resp protocol.Response
	if err := client.ReadMessage(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp.Error)
	}
	var data map[string]int
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["answer"] != 42 {
		t.Errorf("expected answer=42, got %v", data)
	}
}

func TestListInstancesOverClientConnection(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	editor := dial(t, addr)
	defer editor.Close()
	_ = editor.WriteMessage(protocol.Register{
		Type: protocol.TypeRegister, ProtocolVersion: protocol.ProtocolVersion,
		InstanceID: "inst-1", ProjectName: "Demo", EngineVersion: "2022.3",
	})
	var ack protocol.Registered
	_ = editor.ReadMessage(&ack)

	client := dial(t, addr)
	defer client.Close()
	_ = client.WriteMessage(protocol.ListInstances{Type: protocol.TypeListInstances})

	var instances protocol.Instances
	if err := client.ReadMessage(&instances); err != nil {
		t.Fatalf("read instances: %v", err)
	}
	if len(instances.Instances) != 1 || instances.Instances[0].ID != "inst-1" {
		t.Errorf("expected one instance inst-1, got %+v", instances.Instances)
	}
}

func TestRequestAgainstUnknownInstanceReturnsError(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()

	client := dial(t, addr)
	defer client.Close()

	_ = client.WriteMessage(protocol.Request{
		Type: protocol.TypeRequest, ID: "r1", InstanceID: "ghost", Command: "ping",
	})

	var resp protocol.Response
	if err := client.ReadMessage(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown instance")
	}
	if resp.Error == nil || resp.Error.Code != protocol.ErrInstanceNotFound {
		t.Errorf("expected INSTANCE_NOT_FOUND, got %+v", resp.Error)
	}
}
