// Package registry tracks connected editor instances, routes client
// requests to them at most once, and enforces the liveness and backpressure
// rules that keep a stalled or reloading instance from wedging callers.
//
// The shape is the teacher's fleet node manager generalized from "fleet
// node" to "editor instance": a watched, mutex-guarded table with a
// background GC sweep, plus the relay tunnel's channel-based
// request/response matching for in-flight commands.
package registry

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelabs/relayd/pkg/protocol"
)

// State is an editor instance's position in its lifecycle state machine.
type State string

const (
	StateReady        State = "READY"
	StateBusy         State = "BUSY"
	StateReloading    State = "RELOADING"
	StateDisconnected State = "DISCONNECTED"
)

// ErrNotFound is returned when an instance ID has never been registered or
// has since been garbage-collected.
var ErrNotFound = errors.New("registry: instance not found")

// ErrNoDefault is returned when a request names no instance and no default
// can be chosen.
var ErrNoDefault = errors.New("registry: no default instance available")

// Sender is the minimal outbound capability the registry needs from an
// editor connection; pkg/relayserver supplies the concrete implementation
// backed by a pkg/wire.Conn.
type Sender interface {
	SendCommand(cmd *protocol.Command) error
	SendPing(ping *protocol.Ping) error
	Close() error
}

// Watcher receives lifecycle notifications, mirroring the teacher's
// NodeWatcher. Implementations must return quickly; the registry holds no
// lock while invoking them.
type Watcher interface {
	OnInstanceRegistered(inst Summary)
	OnInstanceStatusChanged(id string, from, to State)
	OnInstanceDisconnected(id string)
}

// Summary is the read-only view of an instance exposed to callers and
// watchers.
type Summary struct {
	ID           string
	ProjectName  string
	EngineVersion string
	Capabilities []string
	State        State
	QueueDepth   int
}

// Options configures the registry's timing and capacity knobs, all sourced
// from pkg/config.
type Options struct {
	HeartbeatInterval time.Duration // probe cadence; 3 consecutive misses disconnects
	LostProbeLimit    int           // consecutive missed pongs before DISCONNECTED
	ReloadGrace       time.Duration // how long RELOADING holds requests before failing them
	IdempotencyTTL    time.Duration // how long a successful result is replayed for a repeat request
	QueueCapacity     int           // 0 disables the FIFO overflow queue
}

// DefaultOptions mirrors spec.md's stated defaults.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 5 * time.Second,
		LostProbeLimit:    3,
		ReloadGrace:       30 * time.Second,
		IdempotencyTTL:    60 * time.Second,
		QueueCapacity:     0,
	}
}

type pendingCall struct {
	resultCh chan *protocol.CommandResult
	cmd      *protocol.Command // kept so a reload-survived call can be re-forwarded on reconnect
}

type queuedCommand struct {
	cmd      *protocol.Command
	pending  *pendingCall
	enqueued time.Time
}

// instance is the registry's internal, mutex-guarded record of one editor
// connection. Exported via Summary for callers that must not mutate it.
type instance struct {
	mu sync.Mutex

	id            string
	projectName   string
	engineVersion string
	capabilities  []string

	conn  Sender
	state State

	lastPongAt     time.Time
	probeOutstanding bool
	lostProbes     int

	reloadDeadline time.Time

	pending map[string]*pendingCall // request id -> waiting caller
	queue   *list.List              // FIFO of *queuedCommand, bounded by QueueCapacity
}

func (inst *instance) summary() Summary {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Summary{
		ID:            inst.id,
		ProjectName:   inst.projectName,
		EngineVersion: inst.engineVersion,
		Capabilities:  append([]string(nil), inst.capabilities...),
		State:         inst.state,
		QueueDepth:    inst.queue.Len(),
	}
}

type idempotencyEntry struct {
	result  *protocol.CommandResult
	expires time.Time
}

// Registry is the relay's live instance table. One Registry serves the
// whole process; it is safe for concurrent use from every connection
// goroutine.
type Registry struct {
	opts Options
	log  *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance
	defaultID string

	idemMu sync.Mutex
	idem   map[string]*idempotencyEntry

	watchersMu sync.RWMutex
	watchers   []Watcher

	stopCleanup chan struct{}
}

// New constructs a Registry and starts its background idempotency-cache
// sweep. Callers must call Close when the relay shuts down.
func New(opts Options, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		opts:        opts,
		log:         log,
		instances:   make(map[string]*instance),
		idem:        make(map[string]*idempotencyEntry),
		stopCleanup: make(chan struct{}),
	}
	go r.runIdempotencyCleanup()
	return r
}

// Close stops background maintenance. It does not close instance
// connections; pkg/relayserver owns their lifecycle.
func (r *Registry) Close() {
	close(r.stopCleanup)
}

// Watch registers a Watcher for lifecycle notifications.
func (r *Registry) Watch(w Watcher) {
	r.watchersMu.Lock()
	defer r.watchersMu.Unlock()
	r.watchers = append(r.watchers, w)
}

func (r *Registry) notifyRegistered(s Summary) {
	r.watchersMu.RLock()
	defer r.watchersMu.RUnlock()
	for _, w := range r.watchers {
		w.OnInstanceRegistered(s)
	}
}

func (r *Registry) notifyStatusChanged(id string, from, to State) {
	r.watchersMu.RLock()
	defer r.watchersMu.RUnlock()
	for _, w := range r.watchers {
		w.OnInstanceStatusChanged(id, from, to)
	}
}

func (r *Registry) notifyDisconnected(id string) {
	r.watchersMu.RLock()
	defer r.watchersMu.RUnlock()
	for _, w := range r.watchers {
		w.OnInstanceDisconnected(id)
	}
}

// Register enrolls a fresh or reconnecting editor instance. If a prior
// connection under the same ID was RELOADING within its grace window, the
// calls it was holding are resumed on the new connection instead of being
// failed, per spec.md §4.2's RELOADING--reconnect-->READY resume rule.
// Otherwise the prior connection is evicted: its Sender is closed and any
// requests it was holding fail with INSTANCE_DISCONNECTED, mirroring the
// teacher's re-register-evicts-prior-tunnel rule.
func (r *Registry) Register(id, projectName, engineVersion string, capabilities []string, conn Sender) Summary {
	r.mu.Lock()
	prior, existed := r.instances[id]
	inst := &instance{
		id:            id,
		projectName:   projectName,
		engineVersion: engineVersion,
		capabilities:  capabilities,
		conn:          conn,
		state:         StateReady,
		lastPongAt:    timeNow(),
		pending:       make(map[string]*pendingCall),
		queue:         list.New(),
	}
	r.instances[id] = inst
	if r.defaultID == "" {
		r.defaultID = id
	}
	r.mu.Unlock()

	if existed {
		r.resumeOrEvict(prior, inst)
	}

	s := inst.summary()
	r.notifyRegistered(s)
	r.log.Info("instance registered", "instance_id", id, "project", projectName, "version", engineVersion)
	return s
}

// resumeOrEvict decides what happens to a superseded connection's held
// calls. A RELOADING instance reconnecting within its grace window gets its
// in-flight and queued calls carried over to the new connection and
// re-forwarded; anything else is evicted and fails with
// INSTANCE_DISCONNECTED, matching the prior unconditional-eviction
// behavior.
func (r *Registry) resumeOrEvict(prior, next *instance) {
	prior.mu.Lock()
	resumable := prior.state == StateReloading && timeNow().Before(prior.reloadDeadline)
	if !resumable {
		prior.mu.Unlock()
		r.evict(prior, protocol.ErrInstanceDisconnected, "superseded by new registration")
		return
	}

	// Queued calls were never sent; the oldest pending entry absent from the
	// queue is the one in-flight call that was already forwarded to the old
	// connection and never got a COMMAND_RESULT back. Put it first so it's
	// resent ahead of anything still waiting its turn.
	var held []*queuedCommand
	seen := make(map[string]bool, len(prior.pending))
	for e := prior.queue.Front(); e != nil; e = e.Next() {
		qc := e.Value.(*queuedCommand)
		held = append(held, qc)
		seen[qc.cmd.ID] = true
	}
	for id, p := range prior.pending {
		if !seen[id] {
			held = append([]*queuedCommand{{cmd: p.cmd, pending: p, enqueued: timeNow()}}, held...)
		}
	}
	prior.pending = make(map[string]*pendingCall)
	prior.queue.Init()
	prior.state = StateDisconnected
	priorConn := prior.conn
	prior.mu.Unlock()

	if priorConn != nil {
		_ = priorConn.Close()
	}
	if len(held) == 0 {
		return
	}

	r.log.Info("resuming held requests across reconnect", "instance_id", next.id, "count", len(held))
	r.resumeHeld(next, held)
}

// resumeHeld re-admits calls carried over from a superseded connection onto
// the freshly registered one: the first is sent immediately if the new
// connection is READY, the rest queue behind it exactly as a fresh dispatch
// would.
func (r *Registry) resumeHeld(next *instance, held []*queuedCommand) {
	for _, qc := range held {
		next.mu.Lock()
		send := next.state == StateReady
		if send {
			next.state = StateBusy
		} else {
			next.queue.PushBack(qc)
		}
		next.pending[qc.cmd.ID] = qc.pending
		conn := next.conn
		next.mu.Unlock()

		if send {
			if err := conn.SendCommand(qc.cmd); err != nil {
				r.failHeld(next, qc.cmd.ID, err)
			}
		}
	}
}

// failHeld delivers a failure result to a call that was carried over by
// resumeHeld but could not be re-forwarded (the new connection's send
// itself failed).
func (r *Registry) failHeld(inst *instance, internalID string, err error) {
	inst.mu.Lock()
	p, ok := inst.pending[internalID]
	if ok {
		delete(inst.pending, internalID)
	}
	inst.mu.Unlock()
	if !ok {
		return
	}
	p.resultCh <- &protocol.CommandResult{
		Type:    protocol.TypeCommandResult,
		ID:      internalID,
		Success: false,
		Error:   &protocol.ErrorDetail{Code: protocol.ErrInstanceDisconnected, Message: err.Error()},
	}
}

// evict fails every pending and queued call on inst with the given code and
// closes its connection. Held with the instance unlocked from the caller's
// perspective — evict takes its own lock.
func (r *Registry) evict(inst *instance, code protocol.ErrorCode, message string) {
	inst.mu.Lock()
	pending := inst.pending
	inst.pending = make(map[string]*pendingCall)
	var drained []*pendingCall
	for e := inst.queue.Front(); e != nil; e = e.Next() {
		drained = append(drained, e.Value.(*queuedCommand).pending)
	}
	inst.queue.Init()
	inst.state = StateDisconnected
	conn := inst.conn
	inst.mu.Unlock()

	fail := &protocol.CommandResult{
		Type:    protocol.TypeCommandResult,
		Success: false,
		Error:   &protocol.ErrorDetail{Code: code, Message: message},
	}
	for id, p := range pending {
		result := *fail
		result.ID = id
		p.resultCh <- &result
	}
	for _, p := range drained {
		p.resultCh <- fail
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Disconnect marks an instance DISCONNECTED following a transport failure
// or a liveness timeout, failing any calls it was holding. Per spec.md
// §4.3, a connection loss while the instance is RELOADING within its grace
// window is expected — the editor is mid-restart — so it is a no-op here;
// held calls stay put for Register to resume (or SweepReloadGrace to fail,
// once the grace window itself elapses).
func (r *Registry) Disconnect(id string) {
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	from := inst.state
	switch {
	case from == StateDisconnected:
		inst.mu.Unlock()
		return
	case from == StateReloading && timeNow().Before(inst.reloadDeadline):
		inst.mu.Unlock()
		return
	}
	inst.mu.Unlock()

	r.evict(inst, protocol.ErrInstanceDisconnected, "instance connection lost")
	r.notifyStatusChanged(id, from, StateDisconnected)
	r.notifyDisconnected(id)
	r.log.Warn("instance disconnected", "instance_id", id)
}

// Remove deletes a DISCONNECTED instance from the table entirely. Nothing in
// the relay calls it: a DISCONNECTED instance stays in the table, and in
// List, until a fresh registration under the same ID replaces it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
	if r.defaultID == id {
		r.defaultID = r.pickNewDefaultLocked()
	}
}

// pickNewDefaultLocked returns the lexicographically smallest ID among the
// instances that are not DISCONNECTED, or "" when there is none.
func (r *Registry) pickNewDefaultLocked() string {
	best := ""
	for candidateID, inst := range r.instances {
		inst.mu.Lock()
		ready := inst.state != StateDisconnected
		inst.mu.Unlock()
		if ready && (best == "" || candidateID < best) {
			best = candidateID
		}
	}
	return best
}

// SetStatus applies an editor-reported lifecycle transition (e.g. entering
// or leaving a domain reload). Entering RELOADING starts the grace timer
// that Disconnect, Register and SweepReloadGrace consult to decide whether
// the calls already held are kept or failed; Dispatch rejects new calls to
// a RELOADING instance without consulting it.
func (r *Registry) SetStatus(id string, to State) error {
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	inst.mu.Lock()
	from := inst.state
	inst.state = to
	if to == StateReloading {
		inst.reloadDeadline = timeNow().Add(r.opts.ReloadGrace)
	}
	inst.mu.Unlock()

	if from != to {
		r.notifyStatusChanged(id, from, to)
	}
	return nil
}

// SetDefault changes which instance ID empty-InstanceID requests route to.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return ErrNotFound
	}
	r.defaultID = id
	return nil
}

// List returns a snapshot of every known instance.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.summary())
	}
	return out
}

// resolve picks the target instance: the named one, or the registry's
// current default when instanceID is empty.
func (r *Registry) resolve(instanceID string) (*instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if instanceID != "" {
		inst, ok := r.instances[instanceID]
		if !ok {
			return nil, ErrNotFound
		}
		return inst, nil
	}
	if r.defaultID == "" {
		return nil, ErrNoDefault
	}
	inst, ok := r.instances[r.defaultID]
	if !ok {
		return nil, ErrNoDefault
	}
	return inst, nil
}

// Dispatch routes one client request to its target instance, applying the
// idempotency cache, the BUSY/RELOADING hold-or-reject rule, and the FIFO
// overflow queue, then blocks for the result or ctx cancellation.
//
// requestID is the client-assigned request identifier in its wire form,
// "<client-id>:<uuid>" (see pkg/relayclient), which doubles as the
// idempotency cache key per spec.md §4.2: a repeated request with the same
// ID replays its cached success rather than re-dispatching.
func (r *Registry) Dispatch(ctx context.Context, requestID, instanceID, command string, params []byte, timeout time.Duration) (*protocol.CommandResult, error) {
	key := requestID
	if cached, ok := r.lookupIdempotent(key); ok {
		return cached, nil
	}

	inst, err := r.resolve(instanceID)
	if err != nil {
		return nil, err
	}

	internalID := uuid.NewString()
	cmd := &protocol.Command{
		Type:      protocol.TypeCommand,
		ID:        internalID,
		Command:   command,
		Params:    params,
		TimeoutMS: timeout.Milliseconds(),
	}
	pending := &pendingCall{resultCh: make(chan *protocol.CommandResult, 1), cmd: cmd}

	immediate, queuedErr := r.admit(inst, cmd, pending)
	if queuedErr != nil {
		return nil, queuedErr
	}
	if immediate {
		if err := inst.conn.SendCommand(cmd); err != nil {
			r.abandon(inst, internalID)
			return nil, fmt.Errorf("send command: %w", err)
		}
	}

	select {
	case result := <-pending.resultCh:
		if result.Success {
			r.storeIdempotent(key, result)
		}
		return result, nil
	case <-ctx.Done():
		r.abandon(inst, internalID)
		return nil, ctx.Err()
	}
}

// admit decides whether cmd can be sent immediately, must be queued, or
// must be rejected outright, applying the instance's current state and
// queue capacity. Returns immediate=true when the caller should send cmd
// itself right after admit returns.
func (r *Registry) admit(inst *instance, cmd *protocol.Command, pending *pendingCall) (immediate bool, err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch inst.state {
	case StateDisconnected:
		return false, &dispatchError{ErrorDetail: protocol.ErrorDetail{Code: protocol.ErrInstanceDisconnected, Message: "instance disconnected"}, id: cmd.ID}
	case StateReloading:
		// spec.md §4.2 routing: RELOADING replies INSTANCE_RELOADING
		// (retryable) and does not enqueue — clients own the retry here.
		// Calls already in flight or queued from before the transition are
		// handled separately, by resumeOrEvict on reconnect and
		// SweepReloadGrace once the grace window lapses.
		return false, errReload(cmd.ID)
	case StateBusy:
		if r.opts.QueueCapacity <= 0 {
			return false, errBusy(cmd.ID)
		}
		if inst.queue.Len() >= r.opts.QueueCapacity {
			return false, errQueueFull(cmd.ID)
		}
		inst.pending[cmd.ID] = pending
		inst.queue.PushBack(&queuedCommand{cmd: cmd, pending: pending, enqueued: timeNow()})
		return false, nil
	default: // StateReady
		inst.pending[cmd.ID] = pending
		inst.state = StateBusy
		return true, nil
	}
}

func errReload(id string) error {
	return &dispatchError{ErrorDetail: protocol.ErrorDetail{Code: protocol.ErrInstanceReloading, Message: "instance is reloading"}, id: id}
}
func errBusy(id string) error {
	return &dispatchError{ErrorDetail: protocol.ErrorDetail{Code: protocol.ErrInstanceBusy, Message: "instance is busy"}, id: id}
}
func errQueueFull(id string) error {
	return &dispatchError{ErrorDetail: protocol.ErrorDetail{Code: protocol.ErrQueueFull, Message: "instance request queue is full"}, id: id}
}

// dispatchError carries a protocol.ErrorDetail so pkg/relayserver can relay
// it verbatim in a RESPONSE frame instead of collapsing it to INTERNAL_ERROR.
type dispatchError struct {
	protocol.ErrorDetail
	id string
}

func (e *dispatchError) Error() string { return string(e.Code) + ": " + e.Message }

// Detail extracts the protocol.ErrorDetail from err if it was produced by
// Dispatch's admission control.
func Detail(err error) (protocol.ErrorDetail, bool) {
	var de *dispatchError
	if errors.As(err, &de) {
		return de.ErrorDetail, true
	}
	return protocol.ErrorDetail{}, false
}

// abandon removes a no-longer-wanted pending/queued call, e.g. after ctx
// cancellation or a failed send. It is a best-effort cleanup; if the
// result has already arrived concurrently the call simply lands unread.
func (r *Registry) abandon(inst *instance, internalID string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	delete(inst.pending, internalID)
	for e := inst.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*queuedCommand).cmd.ID == internalID {
			inst.queue.Remove(e)
			break
		}
	}
}

// Complete delivers an editor's CommandResult to whichever Dispatch call is
// waiting on it, then advances the instance out of BUSY and pulls the next
// queued command if one is waiting. Late results for requests that already
// timed out (no waiter left) are discarded per spec.md's Open Question
// resolution in DESIGN.md.
func (r *Registry) Complete(instanceID string, result *protocol.CommandResult) {
	r.mu.RLock()
	inst, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	pending, waiting := inst.pending[result.ID]
	if waiting {
		delete(inst.pending, result.ID)
	}

	var next *queuedCommand
	if inst.state == StateBusy {
		if e := inst.queue.Front(); e != nil {
			next = e.Value.(*queuedCommand)
			inst.queue.Remove(e)
		} else {
			inst.state = StateReady
		}
	}
	conn := inst.conn
	inst.mu.Unlock()

	if waiting {
		pending.resultCh <- result
	}

	if next != nil {
		if err := conn.SendCommand(next.cmd); err != nil {
			r.log.Error("failed to send queued command", "instance_id", instanceID, "error", err)
			next.pending.resultCh <- &protocol.CommandResult{
				Type:    protocol.TypeCommandResult,
				ID:      next.cmd.ID,
				Success: false,
				Error:   &protocol.ErrorDetail{Code: protocol.ErrInstanceDisconnected, Message: err.Error()},
			}
		}
	}
}

// SweepReloadGrace disconnects any instance that has sat in RELOADING past
// its grace deadline without reconnecting, failing whatever it was still
// holding with INSTANCE_DISCONNECTED and draining its queue the same way,
// per spec.md §4.2's RELOADING-grace-timer-expires row. Called once per
// HeartbeatInterval tick, alongside SweepLiveness — otherwise an instance
// that reloads and never comes back would sit RELOADING in List() forever.
func (r *Registry) SweepReloadGrace() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	now := timeNow()
	for _, id := range ids {
		r.mu.RLock()
		inst, ok := r.instances[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		inst.mu.Lock()
		expired := inst.state == StateReloading && now.After(inst.reloadDeadline)
		inst.mu.Unlock()
		if !expired {
			continue
		}

		r.evict(inst, protocol.ErrInstanceDisconnected, "reload grace period elapsed")
		r.notifyStatusChanged(id, StateReloading, StateDisconnected)
		r.notifyDisconnected(id)
		r.log.Warn("instance reload grace expired", "instance_id", id)
	}
}

// --- liveness -------------------------------------------------------------

// SendProbe issues a heartbeat ping to inst if none is currently
// outstanding, enforcing the single-outstanding-probe rule from spec.md
// §4.2. Callers invoke this from a per-relay ticker loop, one tick per
// HeartbeatInterval.
func (r *Registry) SendProbe(id string, ts int64) {
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	if inst.state == StateDisconnected || inst.probeOutstanding {
		inst.mu.Unlock()
		return
	}
	inst.probeOutstanding = true
	conn := inst.conn
	inst.mu.Unlock()

	if err := conn.SendPing(&protocol.Ping{Type: protocol.TypePing, Timestamp: ts}); err != nil {
		r.Disconnect(id)
	}
}

// SweepLiveness advances the lost-probe counter for any instance whose
// outstanding probe was never answered, disconnecting it once
// LostProbeLimit consecutive probes are lost (~15s by default). Called once
// per HeartbeatInterval tick, after SendProbe.
func (r *Registry) SweepLiveness() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.mu.RLock()
		inst, ok := r.instances[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		inst.mu.Lock()
		if inst.state == StateDisconnected || !inst.probeOutstanding {
			inst.mu.Unlock()
			continue
		}
		inst.lostProbes++
		lost := inst.lostProbes
		inst.probeOutstanding = false
		inst.mu.Unlock()

		if lost >= r.opts.LostProbeLimit {
			r.Disconnect(id)
		}
	}
}

// ReceivePong clears the outstanding-probe flag and lost-probe counter for
// the instance, recording the liveness evidence.
func (r *Registry) ReceivePong(id string) {
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	inst.probeOutstanding = false
	inst.lostProbes = 0
	inst.lastPongAt = timeNow()
	inst.mu.Unlock()
}

// --- idempotency cache -----------------------------------------------------

func (r *Registry) lookupIdempotent(key string) (*protocol.CommandResult, bool) {
	r.idemMu.Lock()
	defer r.idemMu.Unlock()
	entry, ok := r.idem[key]
	if !ok || timeNow().After(entry.expires) {
		return nil, false
	}
	return entry.result, true
}

func (r *Registry) storeIdempotent(key string, result *protocol.CommandResult) {
	r.idemMu.Lock()
	defer r.idemMu.Unlock()
	r.idem[key] = &idempotencyEntry{result: result, expires: timeNow().Add(r.opts.IdempotencyTTL)}
}

func (r *Registry) runIdempotencyCleanup() {
	ticker := time.NewTicker(r.opts.IdempotencyTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCleanup:
			return
		case <-ticker.C:
			r.sweepIdempotent()
		}
	}
}

func (r *Registry) sweepIdempotent() {
	now := timeNow()
	r.idemMu.Lock()
	defer r.idemMu.Unlock()
	for key, entry := range r.idem {
		if now.After(entry.expires) {
			delete(r.idem, key)
		}
	}
}

// timeNow is indirected so tests can observe deterministic expiry behavior
// without sleeping.
var timeNow = time.Now
