package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"odin-term/internal/audit"
	"odin-term/internal/metrics"
	"odin-term/internal/multiplexer"
)

// SessionRegistry is the process-wide map from session name to the Hub
// that owns it. Hubs are created lazily on first Resolve and removed by
// their own teardown callback, so the registry never needs to guess when
// a hub has gone away.
type SessionRegistry struct {
	mux    multiplexer.Multiplexer
	cfg    Config
	metr   *metrics.Registry
	audit  audit.Sink
	logger *zap.Logger

	hubs sync.Map // name (string) -> *Hub
}

// NewSessionRegistry constructs a registry backed by mux. cfg supplies
// the defaults every lazily-created Hub starts with.
func NewSessionRegistry(mux multiplexer.Multiplexer, cfg Config, metr *metrics.Registry, auditSink audit.Sink, logger *zap.Logger) *SessionRegistry {
	return &SessionRegistry{
		mux:    mux,
		cfg:    cfg,
		metr:   metr,
		audit:  auditSink,
		logger: logger.Named("registry"),
	}
}

// Resolve returns the Hub for name, creating and starting one if this is
// the first reference. Concurrent callers racing to create the same
// session are reconciled by sync.Map.LoadOrStore: exactly one of them
// attaches the multiplexer session, and the rest receive that same Hub.
// Resolve fails with whatever error the multiplexer's Attach returns
// (typically multiplexer.ErrNotFound) if name is not a real session.
func (r *SessionRegistry) Resolve(ctx context.Context, name string) (*Hub, error) {
	if existing, ok := r.hubs.Load(name); ok {
		return existing.(*Hub), nil
	}

	candidate := NewHub(name, r.mux, r.cfg, r.metr, r.audit, r.logger, r.onHubTerminate)
	actual, loaded := r.hubs.LoadOrStore(name, candidate)
	h := actual.(*Hub)
	if loaded {
		return h, nil
	}

	if err := h.Start(ctx); err != nil {
		r.hubs.CompareAndDelete(name, h)
		return nil, err
	}
	if r.metr != nil {
		r.metr.Session.ActiveHubs.Inc()
	}
	return h, nil
}

// onHubTerminate is wired into every Hub as its termination callback; it
// drops the registry's reference once the hub's event loop has exited,
// whatever the reason (reap, degraded teardown, shutdown).
func (r *SessionRegistry) onHubTerminate(name string) {
	if _, ok := r.hubs.LoadAndDelete(name); ok {
		if r.metr != nil {
			r.metr.Session.ActiveHubs.Dec()
		}
	}
}

// SessionSummary combines a multiplexer-reported session with the live
// claim/presence state of its Hub, if one is currently resident.
type SessionSummary struct {
	Name        string
	WindowCount int
	Created     int64
	Width       int
	Height      int

	HubResident  bool
	ClaimHeld    bool
	HolderID     string
	HolderName   string
	ExpiresAt    time.Time
	ViewerCount  int
}

// List enumerates every session the multiplexer knows about, annotated
// with claim/membership state from any resident Hub.
func (r *SessionRegistry) List(ctx context.Context) ([]SessionSummary, error) {
	infos, err := r.mux.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(infos))
	for _, info := range infos {
		s := SessionSummary{
			Name:        info.Name,
			WindowCount: info.WindowCount,
			Created:     info.Created,
			Width:       info.Width,
			Height:      info.Height,
		}
		if v, ok := r.hubs.Load(info.Name); ok {
			h := v.(*Hub)
			claim, members := h.Snapshot()
			s.HubResident = true
			s.ViewerCount = members
			if claim.Held {
				s.ClaimHeld = true
				s.HolderID = claim.HolderID
				s.HolderName = claim.HolderName
				s.ExpiresAt = claim.ExpiresAt
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// Gc reconciles resident hubs against the multiplexer's current session
// list and shuts down any hub whose underlying session has disappeared
// without ever producing a read error (e.g. removed while nobody was
// attached to it). It returns the number of hubs shut down this way.
func (r *SessionRegistry) Gc(ctx context.Context) (int, error) {
	infos, err := r.mux.List(ctx)
	if err != nil {
		return 0, err
	}
	known := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		known[info.Name] = struct{}{}
	}

	var reaped int
	r.hubs.Range(func(key, value any) bool {
		name := key.(string)
		if _, ok := known[name]; ok {
			return true
		}
		h := value.(*Hub)
		r.logger.Info("reaping hub for session absent from multiplexer", zap.String("session", name))
		h.Shutdown("session no longer present in multiplexer")
		reaped++
		return true
	})
	return reaped, nil
}

// ShutdownAll broadcasts reason to every resident hub and waits (up to
// timeout) for each to finish tearing down, for use during graceful
// server shutdown.
func (r *SessionRegistry) ShutdownAll(reason string, timeout time.Duration) {
	var wg sync.WaitGroup
	r.hubs.Range(func(_, value any) bool {
		h := value.(*Hub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Shutdown(reason)
		}()
		return true
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("timed out waiting for all hubs to shut down", zap.Duration("timeout", timeout))
	}
}
