package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"odin-term/internal/audit"
	"odin-term/internal/authority"
	"odin-term/internal/identity"
	"odin-term/internal/multiplexer/memtmux"
	"odin-term/internal/session"
)

func testHandler(t *testing.T) (*Handler, *memtmux.Adapter, *identity.StaticResolver) {
	t.Helper()
	mux := memtmux.New()
	resolver := identity.NewStaticResolver()
	resolver.Register("alice-token", &session.Principal{UserID: "alice", DisplayName: "Alice", Role: authority.RoleOperator})
	resolver.Register("bob-token", &session.Principal{UserID: "bob", DisplayName: "Bob", Role: authority.RoleOperator})

	cfg := session.DefaultConfig()
	registry := session.NewSessionRegistry(mux, cfg, nil, audit.NoopSink{}, zap.NewNop())
	return NewHandler(registry, resolver, zap.NewNop()), mux, resolver
}

func TestHandleSessionsRequiresAuthentication(t *testing.T) {
	h, _, _ := testHandler(t)
	mux := http.NewServeMux()
	h.Mount(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/terminal/sessions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandleSessionsListsMultiplexerSessions(t *testing.T) {
	h, mux, _ := testHandler(t)
	mux.CreateSession("one")
	httpMux := http.NewServeMux()
	h.Mount(httpMux)

	req := httptest.NewRequest(http.MethodGet, "/api/terminal/sessions?token=alice-token", nil)
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var body struct {
		Sessions []sessionView `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].Name != "one" {
		t.Fatalf("sessions = %+v, want one session named \"one\"", body.Sessions)
	}
}

func TestLockAndReleaseViaREST(t *testing.T) {
	h, mux, _ := testHandler(t)
	mux.CreateSession("two")
	httpMux := http.NewServeMux()
	h.Mount(httpMux)

	lockReq := httptest.NewRequest(http.MethodPost, "/api/terminal/sessions/two/lock?token=alice-token", nil)
	lockRec := httptest.NewRecorder()
	httpMux.ServeHTTP(lockRec, lockReq)
	if lockRec.Code != http.StatusOK {
		t.Fatalf("lock status = %d, want %d, body=%s", lockRec.Code, http.StatusOK, lockRec.Body.String())
	}

	locksReq := httptest.NewRequest(http.MethodGet, "/api/terminal/locks?token=alice-token", nil)
	locksRec := httptest.NewRecorder()
	httpMux.ServeHTTP(locksRec, locksReq)
	var locksBody struct {
		Locks []sessionView `json:"locks"`
	}
	if err := json.Unmarshal(locksRec.Body.Bytes(), &locksBody); err != nil {
		t.Fatalf("decode locks: %v", err)
	}
	if len(locksBody.Locks) != 1 || locksBody.Locks[0].HolderID != "alice" {
		t.Fatalf("locks = %+v, want one lock held by alice", locksBody.Locks)
	}

	// Bob cannot release alice's claim.
	bobReleaseReq := httptest.NewRequest(http.MethodPost, "/api/terminal/sessions/two/release?token=bob-token", nil)
	bobReleaseRec := httptest.NewRecorder()
	httpMux.ServeHTTP(bobReleaseRec, bobReleaseReq)
	if bobReleaseRec.Code != http.StatusConflict {
		t.Fatalf("bob's release status = %d, want %d", bobReleaseRec.Code, http.StatusConflict)
	}

	releaseReq := httptest.NewRequest(http.MethodPost, "/api/terminal/sessions/two/release?token=alice-token", nil)
	releaseRec := httptest.NewRecorder()
	httpMux.ServeHTTP(releaseRec, releaseReq)
	if releaseRec.Code != http.StatusOK {
		t.Fatalf("release status = %d, want %d, body=%s", releaseRec.Code, http.StatusOK, releaseRec.Body.String())
	}
}

func TestLockUnknownSessionIsNotFound(t *testing.T) {
	h, _, _ := testHandler(t)
	httpMux := http.NewServeMux()
	h.Mount(httpMux)

	req := httptest.NewRequest(http.MethodPost, "/api/terminal/sessions/ghost/lock?token=alice-token", nil)
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestSessionActionUnknownVerbIsNotFound(t *testing.T) {
	h, mux, _ := testHandler(t)
	mux.CreateSession("three")
	httpMux := http.NewServeMux()
	h.Mount(httpMux)

	req := httptest.NewRequest(http.MethodPost, "/api/terminal/sessions/three/frobnicate?token=alice-token", nil)
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
