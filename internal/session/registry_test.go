package session

import (
	"context"
	"testing"
	"time"

	"odin-term/internal/audit"
	"odin-term/internal/authority"
	"odin-term/internal/multiplexer/memtmux"

	"go.uber.org/zap"
)

func newTestRegistry(cfg Config) (*SessionRegistry, *memtmux.Adapter) {
	mux := memtmux.New()
	return NewSessionRegistry(mux, cfg, nil, audit.NoopSink{}, zap.NewNop()), mux
}

func TestRegistryResolveIsIdempotentPerName(t *testing.T) {
	cfg := testConfig()
	reg, mux := newTestRegistry(cfg)
	mux.CreateSession("alpha")

	h1, err := reg.Resolve(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	h2, err := reg.Resolve(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Resolve (second): %v", err)
	}
	if h1 != h2 {
		t.Fatal("Resolve should return the same Hub for the same session name")
	}
	t.Cleanup(func() { h1.Shutdown("test teardown") })
}

func TestRegistryResolveUnknownSessionFails(t *testing.T) {
	cfg := testConfig()
	reg, _ := newTestRegistry(cfg)

	if _, err := reg.Resolve(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error resolving a session the multiplexer doesn't know about")
	}
}

func TestRegistryListAnnotatesClaimAndViewerState(t *testing.T) {
	cfg := testConfig()
	reg, mux := newTestRegistry(cfg)
	mux.CreateSession("beta")

	h, err := reg.Resolve(context.Background(), "beta")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	t.Cleanup(func() { h.Shutdown("test teardown") })

	alice := NewSubscriber("alice-conn", "beta", principal("alice", authority.RoleOperator), 0, 0)
	mustSubscribe(t, h, alice)
	h.Claim(alice)
	drainUntil(t, alice, "claimed", time.Second)

	summaries, err := reg.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("List returned %d sessions, want 1", len(summaries))
	}
	s := summaries[0]
	if !s.HubResident || !s.ClaimHeld || s.HolderID != "alice" || s.ViewerCount != 1 {
		t.Fatalf("List summary = %+v, want resident/claimed by alice with 1 viewer", s)
	}
}

func TestRegistryGcReapsHubsForVanishedSessions(t *testing.T) {
	cfg := testConfig()
	reg, mux := newTestRegistry(cfg)
	mux.CreateSession("gamma")

	h, err := reg.Resolve(context.Background(), "gamma")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	mux.RemoveSession("gamma")

	reaped, err := reg.Gc(context.Background())
	if err != nil {
		t.Fatalf("Gc: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("Gc reaped %d hubs, want 1", reaped)
	}
	select {
	case <-h.Stopped():
	case <-time.After(time.Second):
		t.Fatal("hub should have stopped after Gc shut it down")
	}
}

func TestRegistryShutdownAllStopsEveryHub(t *testing.T) {
	cfg := testConfig()
	reg, mux := newTestRegistry(cfg)
	mux.CreateSession("delta-1")
	mux.CreateSession("delta-2")

	h1, err := reg.Resolve(context.Background(), "delta-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	h2, err := reg.Resolve(context.Background(), "delta-2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	reg.ShutdownAll("test shutdown", 2*time.Second)

	for _, h := range []*Hub{h1, h2} {
		select {
		case <-h.Stopped():
		default:
			t.Fatalf("hub %s should be stopped after ShutdownAll", h.Name())
		}
	}
}
