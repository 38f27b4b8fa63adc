package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"odin-term/internal/audit"
	"odin-term/internal/authority"
	"odin-term/internal/metrics"
	"odin-term/internal/multiplexer"
	"odin-term/internal/wire"
)

// ErrHubStopped is returned by Hub methods invoked after the hub's event
// loop has exited (degraded teardown, reap, or shutdown).
var ErrHubStopped = errors.New("session: hub stopped")

// resizeFlushInterval bounds resize coalescing to the ≤10 Hz rate
// required by the arbiter's resize contract.
const resizeFlushInterval = 100 * time.Millisecond

const inboxCapacity = 1024

// Hub owns all mutable state of one named session and serializes every
// change through its inbox: a single consumer goroutine in place of
// locking the whole session on every operation.
type Hub struct {
	name   string
	mux    multiplexer.Multiplexer
	cfg    Config
	metr   *metrics.Registry
	audit  audit.Sink
	logger *zap.Logger

	onTerminate func(name string)

	inbox   chan event
	stopped chan struct{}

	members map[*Subscriber]struct{}
	claim   ClaimState

	lastSeq           uint64
	lastClaimActivity time.Time

	claimTimer    *time.Timer
	reapTimer     *time.Timer
	pendingResize *resizeEvent

	outputHandle multiplexer.OutputHandle
	cancelReader context.CancelFunc
	readErrCh    chan error

	heartbeatTicker *time.Ticker
	resizeTicker    *time.Ticker

	memberCount atomic.Int32
}

// NewHub constructs a Hub for sessionName. Call Start to attach the
// multiplexer and launch the event loop goroutine. onTerminate, if
// non-nil, is invoked exactly once, from the hub's own goroutine, when
// the event loop exits, so a SessionRegistry can drop its entry.
func NewHub(sessionName string, mux multiplexer.Multiplexer, cfg Config, metr *metrics.Registry, auditSink audit.Sink, logger *zap.Logger, onTerminate func(string)) *Hub {
	return &Hub{
		name:        sessionName,
		mux:         mux,
		cfg:         cfg,
		metr:        metr,
		audit:       auditSink,
		logger:      logger.Named("hub").With(zap.String("session", sessionName)),
		onTerminate: onTerminate,
		inbox:       make(chan event, inboxCapacity),
		stopped:     make(chan struct{}),
		members:     make(map[*Subscriber]struct{}),
		readErrCh:   make(chan error, 1),
	}
}

// Start attaches the multiplexer session and launches the reader and
// event-loop goroutines. The returned error is multiplexer.ErrNotFound
// if sessionName is not known to the multiplexer.
func (h *Hub) Start(ctx context.Context) error {
	handle, err := h.mux.Attach(ctx, h.name)
	if err != nil {
		return err
	}
	h.outputHandle = handle

	readerCtx, cancel := context.WithCancel(context.Background())
	h.cancelReader = cancel
	go h.runReader(readerCtx, handle)

	h.heartbeatTicker = time.NewTicker(h.cfg.HeartbeatPeriod)
	h.resizeTicker = time.NewTicker(resizeFlushInterval)

	go h.run()
	return nil
}

// Name returns the session name this hub owns.
func (h *Hub) Name() string { return h.name }

// Stopped reports when the hub's event loop has exited.
func (h *Hub) Stopped() <-chan struct{} { return h.stopped }

// MemberCount returns a best-effort snapshot of current membership size,
// safe to call from any goroutine.
func (h *Hub) MemberCount() int { return int(h.memberCount.Load()) }

// Snapshot returns a copy of the hub's claim state and member count,
// round-tripped through the event loop so callers outside the hub's own
// goroutine never observe torn state. Returns the zero value if the hub
// has already stopped.
func (h *Hub) Snapshot() (ClaimState, int) {
	reply := make(chan hubSnapshot, 1)
	select {
	case h.inbox <- snapshotEvent{reply: reply}:
	case <-h.stopped:
		return ClaimState{}, 0
	}
	select {
	case s := <-reply:
		return s.claim, s.memberCount
	case <-h.stopped:
		return ClaimState{}, 0
	}
}

func (h *Hub) post(ev event) {
	select {
	case h.inbox <- ev:
	case <-h.stopped:
	}
}

// Subscribe adds sub to the session's membership set and waits for the
// hub to process it, returning any authority failure.
func (h *Hub) Subscribe(sub *Subscriber) error {
	done := make(chan error, 1)
	select {
	case h.inbox <- subscribeEvent{sub: sub, done: done}:
	case <-h.stopped:
		return ErrHubStopped
	}
	select {
	case err := <-done:
		return err
	case <-h.stopped:
		return ErrHubStopped
	}
}

func (h *Hub) Unsubscribe(sub *Subscriber)            { h.post(unsubscribeEvent{sub: sub}) }
func (h *Hub) Input(sub *Subscriber, data []byte)     { h.post(inputEvent{sub: sub, data: data}) }
func (h *Hub) Resize(sub *Subscriber, cols, rows int) { h.post(resizeEvent{sub: sub, cols: cols, rows: rows}) }
func (h *Hub) Claim(sub *Subscriber)                  { h.post(claimEvent{sub: sub}) }
func (h *Hub) Release(sub *Subscriber)                { h.post(releaseEvent{sub: sub}) }
func (h *Hub) ForceRelease(sub *Subscriber)            { h.post(forceReleaseEvent{sub: sub}) }

// AdminClaim applies a Claim transition on behalf of principal without
// requiring a live Subscriber, for the REST boundary in internal/web.
func (h *Hub) AdminClaim(principal *Principal) error {
	return h.adminAction(principal, webActionClaim)
}

// AdminRelease applies a Release transition on behalf of principal
// without requiring a live Subscriber, for the REST boundary in
// internal/web. Only the current holder may release, same as the
// WebSocket path.
func (h *Hub) AdminRelease(principal *Principal) error {
	return h.adminAction(principal, webActionRelease)
}

func (h *Hub) adminAction(principal *Principal, action webAction) error {
	reply := make(chan adminActionResult, 1)
	select {
	case h.inbox <- adminActionEvent{principal: principal, action: action, reply: reply}:
	case <-h.stopped:
		return ErrHubStopped
	}
	select {
	case res := <-reply:
		if !res.ok {
			return &ActionError{Code: res.code, Message: res.message}
		}
		return nil
	case <-h.stopped:
		return ErrHubStopped
	}
}

// Shutdown broadcasts SERVER_SHUTDOWN to every member, unsubscribes them,
// and stops the event loop. It blocks until the loop has exited.
func (h *Hub) Shutdown(reason string) {
	done := make(chan struct{})
	select {
	case h.inbox <- shutdownEvent{reason: reason, done: done}:
		<-h.stopped
	case <-h.stopped:
	}
}

func (h *Hub) runReader(ctx context.Context, handle multiplexer.OutputHandle) {
	for {
		data, err := handle.Read(ctx)
		if err != nil {
			select {
			case h.readErrCh <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case h.inbox <- outputChunkEvent{data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// run is the hub's single consumer goroutine. All Session/ClaimState
// mutation happens here and only here.
func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hub event loop panic recovered", zap.Any("panic", r))
		}
		h.teardown()
	}()

	for {
		var claimC <-chan time.Time
		if h.claimTimer != nil {
			claimC = h.claimTimer.C
		}
		var reapC <-chan time.Time
		if h.reapTimer != nil {
			reapC = h.reapTimer.C
		}

		select {
		case ev := <-h.inbox:
			if h.dispatch(ev) {
				return
			}

		case err := <-h.readErrCh:
			h.handleReadError(err)
			return

		case <-claimC:
			h.claimTimer = nil
			h.applyClaimOutcome(h.expireClaim(), nil)

		case <-reapC:
			h.reapTimer = nil
			if len(h.members) == 0 && !h.claim.Held {
				return
			}

		case <-h.heartbeatTicker.C:
			h.handleHeartbeat()

		case <-h.resizeTicker.C:
			h.flushResize()
		}
	}
}

// dispatch handles one inbox event. It returns true if the hub should
// terminate its event loop.
func (h *Hub) dispatch(ev event) bool {
	switch e := ev.(type) {
	case subscribeEvent:
		h.handleSubscribe(e)
	case unsubscribeEvent:
		h.handleUnsubscribe(e.sub)
	case inputEvent:
		h.handleInput(e)
	case resizeEvent:
		h.handleResize(e)
	case claimEvent:
		h.applyClaimOutcome(h.tryClaim(e.sub, time.Now()), e.sub)
	case releaseEvent:
		h.applyClaimOutcome(h.tryRelease(e.sub), e.sub)
	case forceReleaseEvent:
		h.applyClaimOutcome(h.tryForceRelease(e.sub), e.sub)
	case outputChunkEvent:
		h.handleOutputChunk(e.data)
	case snapshotEvent:
		e.reply <- hubSnapshot{claim: h.claim, memberCount: len(h.members)}
	case adminActionEvent:
		h.handleAdminAction(e)
	case shutdownEvent:
		h.handleShutdown(e)
		return true
	default:
		h.logger.Warn("unhandled hub event")
	}
	return false
}

func (h *Hub) handleSubscribe(e subscribeEvent) {
	sub := e.sub
	if !authority.Allowed(sub.Principal.Role, authority.ActionView) {
		e.done <- errors.New("forbidden")
		return
	}
	h.members[sub] = struct{}{}
	h.memberCount.Store(int32(len(h.members)))
	if h.metr != nil {
		h.metr.Session.ActiveSubscribers.Inc()
	}
	h.cancelReapTimer()

	if h.claim.Held {
		h.enqueuePriorityTo(sub, wire.Claimed(h.name,
			wire.UserRef{ID: h.claim.HolderID, Name: h.claim.HolderName},
			h.claim.ExpiresAt.UTC().Format(time.RFC3339Nano), ""))
	}

	h.broadcastPresence()
	e.done <- nil
}

func (h *Hub) handleUnsubscribe(sub *Subscriber) {
	if _, ok := h.members[sub]; !ok {
		return
	}
	delete(h.members, sub)
	h.memberCount.Store(int32(len(h.members)))
	if h.metr != nil {
		h.metr.Session.ActiveSubscribers.Dec()
	}

	if h.claim.Held && h.claim.HolderID == sub.Principal.UserID && !h.holderHasOtherConnection(sub) {
		h.applyClaimOutcome(h.releaseOnHolderGone(), nil)
	}

	h.broadcastPresence()
	h.maybeScheduleReap()
}

func (h *Hub) handleInput(e inputEvent) {
	sub := e.sub
	if !authority.Allowed(sub.Principal.Role, authority.ActionSendKeys) {
		sub.EnqueuePriority(wire.Error(wire.ErrForbidden, "role does not permit sending input", h.name, ""))
		return
	}
	if !h.claim.Held || h.claim.HolderID != sub.Principal.UserID {
		sub.EnqueuePriority(wire.Error(wire.ErrNotHolder, "you do not hold the claim on this session", h.name, ""))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteDeadline)
	defer cancel()
	if err := h.mux.Write(ctx, h.name, e.data); err != nil {
		sub.EnqueuePriority(wire.Error(wire.ErrIO, err.Error(), h.name, ""))
		return
	}

	h.lastClaimActivity = time.Now()
	sub.Touch()
}

func (h *Hub) handleResize(e resizeEvent) {
	sub := e.sub
	if !authority.Allowed(sub.Principal.Role, authority.ActionResize) {
		sub.EnqueuePriority(wire.Error(wire.ErrForbidden, "role does not permit resizing this session", h.name, ""))
		return
	}
	if !h.claim.Held || h.claim.HolderID != sub.Principal.UserID {
		sub.EnqueuePriority(wire.Error(wire.ErrNotHolder, "you do not hold the claim on this session", h.name, ""))
		return
	}
	ev := e
	h.pendingResize = &ev
}

func (h *Hub) flushResize() {
	if h.pendingResize == nil {
		return
	}
	ev := h.pendingResize
	h.pendingResize = nil

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteDeadline)
	defer cancel()
	if err := h.mux.Resize(ctx, h.name, ev.cols, ev.rows); err != nil {
		ev.sub.EnqueuePriority(wire.Error(wire.ErrIO, err.Error(), h.name, ""))
	}
}

func (h *Hub) handleOutputChunk(data []byte) {
	h.lastSeq++
	frame := wire.Output(h.name, h.lastSeq, data)

	var evicted []*Subscriber
	for sub := range h.members {
		if sub.EnqueueOutput(frame) {
			evicted = append(evicted, sub)
		}
	}
	if len(evicted) == 0 {
		return
	}
	h.removeEvicted(evicted)
	h.broadcastPresence()
}

func (h *Hub) handleHeartbeat() {
	now := time.Now()

	if h.claim.Held && now.Sub(h.lastClaimActivity) >= h.cfg.ClaimIdleMax {
		h.applyClaimOutcome(h.expireClaim(), nil)
	}

	var changed bool
	var evicted []*Subscriber
	for sub := range h.members {
		age := now.Sub(sub.LastActivity())
		switch {
		case age >= h.cfg.PresenceEvict:
			evicted = append(evicted, sub)
		case age >= h.cfg.PresenceIdle && !sub.Idle():
			sub.MarkIdle(true)
			changed = true
		}
	}

	for _, sub := range evicted {
		delete(h.members, sub)
		sub.Evict(wire.ErrIdleTimeout)
		changed = true
		if h.metr != nil {
			h.metr.Session.ActiveSubscribers.Dec()
		}
		if h.claim.Held && h.claim.HolderID == sub.Principal.UserID && !h.holderHasOtherConnection(sub) {
			h.applyClaimOutcome(h.releaseOnHolderGone(), nil)
		}
	}

	if len(evicted) > 0 {
		h.memberCount.Store(int32(len(h.members)))
	}
	if changed {
		h.broadcastPresence()
	}
	h.maybeScheduleReap()
}

func (h *Hub) handleReadError(err error) {
	h.logger.Warn("multiplexer session lost", zap.Error(err))
	frame := wire.Error(wire.ErrSessionLost, err.Error(), h.name, "")
	if h.metr != nil {
		h.metr.Session.ActiveSubscribers.Sub(float64(len(h.members)))
	}
	for sub := range h.members {
		sub.EnqueuePriority(frame)
		sub.Evict("")
	}
	h.members = make(map[*Subscriber]struct{})
	h.memberCount.Store(0)

	if h.audit != nil {
		h.audit.Emit(context.Background(), audit.Event{
			Kind: audit.KindSessionLost, SessionName: h.name, At: time.Now(), Detail: err.Error(),
		})
	}
	if h.metr != nil {
		h.metr.Session.SessionsLost.Inc()
	}
	if h.outputHandle != nil {
		_ = h.outputHandle.Detach()
	}
}

func (h *Hub) handleShutdown(e shutdownEvent) {
	frame := wire.Error(wire.ErrServerShutdown, e.reason, h.name, "")
	if h.metr != nil {
		h.metr.Session.ActiveSubscribers.Sub(float64(len(h.members)))
	}
	for sub := range h.members {
		sub.EnqueuePriority(frame)
		sub.Evict("")
	}
	h.members = make(map[*Subscriber]struct{})
	h.memberCount.Store(0)
	if h.outputHandle != nil {
		_ = h.outputHandle.Detach()
	}
	close(e.done)
}

func (h *Hub) teardown() {
	if h.cancelReader != nil {
		h.cancelReader()
	}
	if h.heartbeatTicker != nil {
		h.heartbeatTicker.Stop()
	}
	if h.resizeTicker != nil {
		h.resizeTicker.Stop()
	}
	if h.claimTimer != nil {
		h.claimTimer.Stop()
	}
	if h.reapTimer != nil {
		h.reapTimer.Stop()
	}
	close(h.stopped)
	if h.onTerminate != nil {
		h.onTerminate(h.name)
	}
}

// applyClaimOutcome broadcasts/replies/reschedules according to a
// claimOutcome produced by the arbiter in claim.go, and emits the
// corresponding audit event. requester is nil for system-initiated
// transitions (expiry, holder-gone, idle eviction).
func (h *Hub) applyClaimOutcome(o claimOutcome, requester *Subscriber) {
	if o.claimed != nil {
		h.enqueuePriorityAll(o.claimed)
		h.emitClaimAudit(o, requester)
		if h.metr != nil {
			h.metr.Session.ClaimTransitions.Inc()
		}
	}
	if o.replyToSub != nil && requester != nil {
		h.enqueuePriorityTo(requester, o.replyToSub)
	}
	if o.priorHolder != "" && o.priorFrame != nil {
		for sub := range h.members {
			if sub.Principal.UserID == o.priorHolder {
				h.enqueuePriorityTo(sub, o.priorFrame)
			}
		}
	}
	if o.accepted {
		h.lastClaimActivity = time.Now()
	}

	switch {
	case o.rescheduled:
		h.rescheduleClaimTimer()
	case !h.claim.Held:
		h.stopClaimTimer()
		h.maybeScheduleReap()
	}
}

func (h *Hub) emitClaimAudit(o claimOutcome, requester *Subscriber) {
	if h.audit == nil || o.claimed == nil {
		return
	}
	ev := audit.Event{SessionName: h.name, At: time.Now(), Detail: o.claimed.Reason}
	switch o.claimed.Type {
	case wire.TypeClaimed:
		ev.Kind = audit.KindClaimAcquired
		if o.claimed.By != nil {
			ev.UserID = o.claimed.By.ID
		}
	case wire.TypeReleased:
		if o.claimed.Reason == wire.ReasonForced {
			ev.Kind = audit.KindForcedRelease
		} else {
			ev.Kind = audit.KindClaimReleased
		}
		if requester != nil {
			ev.UserID = requester.Principal.UserID
		}
	default:
		return
	}
	h.audit.Emit(context.Background(), ev)
}

func (h *Hub) rescheduleClaimTimer() {
	if h.claimTimer != nil {
		h.claimTimer.Stop()
	}
	d := time.Until(h.claim.ExpiresAt)
	if d < 0 {
		d = 0
	}
	h.claimTimer = time.NewTimer(d)
}

func (h *Hub) stopClaimTimer() {
	if h.claimTimer != nil {
		h.claimTimer.Stop()
		h.claimTimer = nil
	}
}

func (h *Hub) maybeScheduleReap() {
	if len(h.members) == 0 && !h.claim.Held {
		if h.reapTimer == nil {
			h.reapTimer = time.NewTimer(h.cfg.ReapGrace)
		}
		return
	}
	h.cancelReapTimer()
}

func (h *Hub) cancelReapTimer() {
	if h.reapTimer != nil {
		h.reapTimer.Stop()
		h.reapTimer = nil
	}
}

// handleAdminAction runs a claim transition for a REST caller that holds
// no live membership, using a throwaway Subscriber purely to carry the
// Principal through the arbiter. Any reply the arbiter addresses to the
// requester is inspected here instead of delivered through a queue that
// nothing drains.
func (h *Hub) handleAdminAction(e adminActionEvent) {
	ephemeral := NewSubscriber("admin-"+e.principal.UserID, h.name, e.principal, 1, 4)

	var outcome claimOutcome
	switch e.action {
	case webActionClaim:
		outcome = h.tryClaim(ephemeral, time.Now())
	case webActionRelease:
		outcome = h.tryRelease(ephemeral)
	}
	h.applyClaimOutcome(outcome, ephemeral)

	if outcome.replyToSub != nil {
		e.reply <- adminActionResult{code: outcome.replyToSub.Code, message: outcome.replyToSub.Message}
		return
	}
	e.reply <- adminActionResult{ok: true}
}

func (h *Hub) broadcastPresence() {
	frame := wire.Presence(h.name, presenceSnapshot(h.members))
	h.enqueuePriorityAll(frame)
}

// enqueuePriorityAll delivers frame to every current member's priority
// lane, removing any member the lane's capacity forces out. Takes a
// snapshot-then-delete pass rather than deleting mid-range so a member
// evicted by this very frame doesn't skip another member's delivery.
func (h *Hub) enqueuePriorityAll(frame *wire.ServerFrame) {
	var evicted []*Subscriber
	for sub := range h.members {
		if sub.EnqueuePriority(frame) {
			evicted = append(evicted, sub)
		}
	}
	h.removeEvicted(evicted)
}

// enqueuePriorityTo delivers frame to one member's priority lane, removing
// it from membership immediately if that delivery evicted it.
func (h *Hub) enqueuePriorityTo(sub *Subscriber, frame *wire.ServerFrame) {
	if sub.EnqueuePriority(frame) {
		h.removeEvicted([]*Subscriber{sub})
	}
}

// removeEvicted drops every subscriber in evicted from membership and
// updates the exported member count and slow-consumer counter. It does
// not itself rebroadcast presence: the caller is already mid-broadcast or
// will pick up the change on the next heartbeat/membership event.
func (h *Hub) removeEvicted(evicted []*Subscriber) {
	if len(evicted) == 0 {
		return
	}
	for _, sub := range evicted {
		if _, ok := h.members[sub]; !ok {
			continue
		}
		delete(h.members, sub)
		if h.metr != nil {
			h.metr.Session.SlowConsumerEvictions.Inc()
			h.metr.Session.ActiveSubscribers.Dec()
		}
	}
	h.memberCount.Store(int32(len(h.members)))
	h.maybeScheduleReap()
}
