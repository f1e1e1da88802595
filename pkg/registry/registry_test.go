package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrelabs/relayd/pkg/protocol"
)

// fakeSender is a Sender that replies to every SendCommand by pushing a
// synthetic success result back through the registry, mimicking an editor
// instance that always answers immediately.
type fakeSender struct {
	mu        sync.Mutex
	sent      []*protocol.Command
	pings     []*protocol.Ping
	closed    bool
	onCommand func(cmd *protocol.Command)
}

func (f *fakeSender) SendCommand(cmd *protocol.Command) error {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
	if f.onCommand != nil {
		f.onCommand(cmd)
	}
	return nil
}

func (f *fakeSender) SendPing(p *protocol.Ping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, p)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testRegistry(opts Options) *Registry {
	return New(opts, nil)
}

func TestRegisterAndList(t *testing.T) {
	r := testRegistry(DefaultOptions())
	defer r.Close()

	sender := &fakeSender{}
	r.Register("inst-1", "MyProject", "2022.3", []string{"exec"}, sender)

	list := r.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(list))
	}
	if list[0].State != StateReady {
		t.Errorf("expected READY, got %s", list[0].State)
	}
}

func TestDispatchHappyPath(t *testing.T) {
	r := testRegistry(DefaultOptions())
	defer r.Close()

	sender := &fakeSender{}
	sender.onCommand = func(cmd *protocol.Command) {
		go r.Complete("inst-1", &protocol.CommandResult{
			Type:    protocol.TypeCommandResult,
			ID:      cmd.ID,
			Success: true,
			Data:    []byte(`{"ok":true}`),
		})
	}
	r.Register("inst-1", "MyProject", "2022.3", nil, sender)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := r.Dispatch(ctx, "client-a:req-1", "inst-1", "do_thing", nil, time.Second)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success")
	}
}

func TestDispatchIdempotentReplay(t *testing.T) {
	r := testRegistry(DefaultOptions())
	defer r.Close()

	calls := 0
	sender := &fakeSender{}
	sender.onCommand = func(cmd *protocol.Command) {
		calls++
		go r.Complete("inst-1", &protocol.CommandResult{
			Type: protocol.TypeCommandResult, ID: cmd.ID, Success: true, Data: []byte(`{}`),
		})
	}
	r.Register("inst-1", "MyProject", "2022.3", nil, sender)

	ctx := context.Background()
	if _, err := r.Dispatch(ctx, "client-a:req-dup", "inst-1", "do_thing", nil, time.Second); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if _, err := r.Dispatch(ctx, "client-a:req-dup", "inst-1", "do_thing", nil, time.Second); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected command sent exactly once, got %d sends", calls)
	}
}

func TestDispatchBusyWithoutQueueRejects(t *testing.T) {
	opts := DefaultOptions()
	opts.QueueCapacity = 0
	r := testRegistry(opts)
	defer r.Close()

	sender := &fakeSender{} // never completes, so instance stays BUSY
	r.Register("inst-1", "MyProject", "2022.3", nil, sender)

	ctx := context.Background()
	// Dispatch blocks until a result arrives, so the first call runs in the
	// background and holds the instance BUSY.
	go r.Dispatch(ctx, "client-a:req-1", "inst-1", "slow", nil, time.Second)
	time.Sleep(20 * time.Millisecond)
	sender.mu.Lock()
	admitted := len(sender.sent)
	sender.mu.Unlock()
	if admitted != 1 {
		t.Fatalf("first dispatch should be admitted and sent, got %d sends", admitted)
	}

	_, err := r.Dispatch(ctx, "client-b:req-2", "inst-1", "slow", nil, time.Second)
	if err == nil {
		t.Fatal("expected second dispatch to be rejected while instance is busy")
	}
	detail, ok := Detail(err)
	if !ok || detail.Code != protocol.ErrInstanceBusy {
		t.Errorf("expected INSTANCE_BUSY, got %v", err)
	}
}

func TestDispatchQueuesWhenCapacityAllows(t *testing.T) {
	opts := DefaultOptions()
	opts.QueueCapacity = 1
	r := testRegistry(opts)
	defer r.Close()

	var mu sync.Mutex
	var completeSecond func()
	firstID := make(chan string, 1)
	sender := &fakeSender{}
	first := true
	sender.onCommand = func(cmd *protocol.Command) {
		mu.Lock()
		isFirst := first
		first = false
		mu.Unlock()
		if isFirst {
			firstID <- cmd.ID
		} else if completeSecond != nil {
			completeSecond()
		}
	}
	r.Register("inst-1", "MyProject", "2022.3", nil, sender)

	ctx := context.Background()

	// Occupy the instance with a command that resolves only when we say so.
	slow := &fakeSender{}
	_ = slow

	done := make(chan struct{})
	completeSecond = func() {
		close(done)
	}

	go func() {
		r.Dispatch(ctx, "client-a:req-1", "inst-1", "first", nil, 2*time.Second)
	}()
	time.Sleep(50 * time.Millisecond) // let the first command occupy BUSY

	resultCh := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(ctx, "client-b:req-2", "inst-1", "second", nil, 2*time.Second)
		resultCh <- err
	}()
	time.Sleep(50 * time.Millisecond) // let the second command land in the queue

	// Completing the first command frees the instance and sends the queued one.
	r.Complete("inst-1", &protocol.CommandResult{Type: protocol.TypeCommandResult, ID: <-firstID, Success: true})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued command was never sent")
	}
	sender.mu.Lock()
	count := len(sender.sent)
	sender.mu.Unlock()
	if count != 2 {
		t.Errorf("expected both commands eventually sent, got %d", count)
	}
}

func TestDispatchAgainstReloadingInstanceRejectsImmediately(t *testing.T) {
	opts := DefaultOptions()
	opts.ReloadGrace = time.Minute // well within grace; rejection must not depend on the deadline
	r := testRegistry(opts)
	defer r.Close()

	sender := &fakeSender{}
	r.Register("inst-1", "MyProject", "2022.3", nil, sender)
	if err := r.SetStatus("inst-1", StateReloading); err != nil {
		t.Fatalf("set status: %v", err)
	}

	ctx := context.Background()
	_, err := r.Dispatch(ctx, "client-a:req-1", "inst-1", "do_thing", nil, time.Second)
	if err == nil {
		t.Fatal("expected a fresh dispatch against a RELOADING instance to be rejected, not queued")
	}
	detail, ok := Detail(err)
	if !ok || detail.Code != protocol.ErrInstanceReloading {
		t.Errorf("expected INSTANCE_RELOADING, got %v", err)
	}
}

func TestSweepReloadGraceDisconnectsAfterGraceElapses(t *testing.T) {
	opts := DefaultOptions()
	opts.ReloadGrace = 20 * time.Millisecond
	r := testRegistry(opts)
	defer r.Close()

	sender := &fakeSender{}
	r.Register("inst-1", "MyProject", "2022.3", nil, sender)
	if err := r.SetStatus("inst-1", StateReloading); err != nil {
		t.Fatalf("set status: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	r.SweepReloadGrace()

	list := r.List()
	if list[0].State != StateDisconnected {
		t.Errorf("expected DISCONNECTED once reload grace elapsed without reconnect, got %s", list[0].State)
	}
}

func TestResumeHeldRequestAcrossReconnect(t *testing.T) {
	opts := DefaultOptions()
	opts.ReloadGrace = time.Minute
	r := testRegistry(opts)
	defer r.Close()

	oldSender := &fakeSender{} // never replies: the call stays in flight
	r.Register("inst-1", "MyProject", "2022.3", nil, oldSender)

	ctx := context.Background()
	resultCh := make(chan *protocol.CommandResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := r.Dispatch(ctx, "client-a:req-1", "inst-1", "do_thing", nil, 5*time.Second)
		resultCh <- result
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the command reach oldSender and go in flight

	if err := r.SetStatus("inst-1", StateReloading); err != nil {
		t.Fatalf("set status: %v", err)
	}
	r.Disconnect("inst-1") // connection drop mid-reload must not fail the held call

	newSender := &fakeSender{}
	newSender.onCommand = func(cmd *protocol.Command) {
		go r.Complete("inst-1", &protocol.CommandResult{
			Type: protocol.TypeCommandResult, ID: cmd.ID, Success: true, Data: []byte(`{"ok":true}`),
		})
	}
	r.Register("inst-1", "MyProject", "2022.3", nil, newSender)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("resumed dispatch returned error: %v", err)
		}
		result := <-resultCh
		if !result.Success {
			t.Errorf("expected the held call to resume and succeed, got %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("held request was never resumed after reconnect")
	}

	newSender.mu.Lock()
	sent := len(newSender.sent)
	newSender.mu.Unlock()
	if sent != 1 {
		t.Errorf("expected the in-flight command to be re-forwarded exactly once on the new connection, got %d", sent)
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	r := testRegistry(DefaultOptions())
	defer r.Close()

	sender := &fakeSender{} // never replies
	r.Register("inst-1", "MyProject", "2022.3", nil, sender)

	ctx := context.Background()
	resultCh := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(ctx, "client-a:req-1", "inst-1", "do_thing", nil, 5*time.Second)
		resultCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	r.Disconnect("inst-1")

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("dispatch returned error instead of a failed result: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatch never unblocked after disconnect")
	}
}

func TestLivenessDisconnectsAfterLostProbeLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.LostProbeLimit = 2
	r := testRegistry(opts)
	defer r.Close()

	sender := &fakeSender{}
	r.Register("inst-1", "MyProject", "2022.3", nil, sender)

	r.SendProbe("inst-1", 1)
	r.SweepLiveness() // 1 lost
	r.SendProbe("inst-1", 2)
	r.SweepLiveness() // 2 lost -> disconnect

	list := r.List()
	if list[0].State != StateDisconnected {
		t.Errorf("expected DISCONNECTED after %d lost probes, got %s", opts.LostProbeLimit, list[0].State)
	}
}

func TestReceivePongResetsLostCounter(t *testing.T) {
	r := testRegistry(DefaultOptions())
	defer r.Close()

	sender := &fakeSender{}
	r.Register("inst-1", "MyProject", "2022.3", nil, sender)

	r.SendProbe("inst-1", 1)
	r.ReceivePong("inst-1")
	r.SweepLiveness() // probe already answered, should not count as lost

	list := r.List()
	if list[0].State != StateReady {
		t.Errorf("expected instance to remain READY, got %s", list[0].State)
	}
}

func TestReRegisterEvictsPriorConnection(t *testing.T) {
	r := testRegistry(DefaultOptions())
	defer r.Close()

	oldSender := &fakeSender{}
	r.Register("inst-1", "MyProject", "2022.3", nil, oldSender)
	newSender := &fakeSender{}
	r.Register("inst-1", "MyProject", "2022.3", nil, newSender)

	oldSender.mu.Lock()
	closed := oldSender.closed
	oldSender.mu.Unlock()
	if !closed {
		t.Error("expected prior connection to be closed on re-register")
	}
}

func TestSetDefaultAndResolveEmptyInstanceID(t *testing.T) {
	r := testRegistry(DefaultOptions())
	defer r.Close()

	r.Register("inst-1", "A", "1.0", nil, &fakeSender{})
	r.Register("inst-2", "B", "1.0", nil, &fakeSender{})

	if err := r.SetDefault("inst-2"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	inst, err := r.resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if inst.id != "inst-2" {
		t.Errorf("expected default inst-2, got %s", inst.id)
	}
}
