// Package web implements the REST boundary alongside the connection
// endpoint's WebSocket channel: enumerating sessions and their claim
// state, and claiming/releasing a session without opening a
// subscription, for callers that only need the lock primitive (a CI
// job, an admin dashboard) rather than a live terminal view.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"odin-term/internal/identity"
	"odin-term/internal/session"
)

// Handler serves the /api/terminal/ REST boundary.
type Handler struct {
	registry *session.SessionRegistry
	resolver identity.Resolver
	logger   *zap.Logger
}

// NewHandler builds a Handler backed by registry for session lookups and
// resolver for authenticating each request's bearer token.
func NewHandler(registry *session.SessionRegistry, resolver identity.Resolver, logger *zap.Logger) *Handler {
	return &Handler{registry: registry, resolver: resolver, logger: logger.Named("web")}
}

// Mount registers the handler's routes on mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/api/terminal/sessions", h.handleSessions)
	mux.HandleFunc("/api/terminal/locks", h.handleLocks)
	mux.HandleFunc("/api/terminal/sessions/", h.handleSessionAction)
}

// sessionView is the wire shape of one SessionSummary.
type sessionView struct {
	Name        string `json:"name"`
	WindowCount int    `json:"windowCount"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ViewerCount int    `json:"viewerCount"`
	ClaimHeld   bool   `json:"claimHeld"`
	HolderID    string `json:"holderId,omitempty"`
	HolderName  string `json:"holderName,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

func toView(s session.SessionSummary) sessionView {
	v := sessionView{
		Name:        s.Name,
		WindowCount: s.WindowCount,
		Width:       s.Width,
		Height:      s.Height,
		ViewerCount: s.ViewerCount,
		ClaimHeld:   s.ClaimHeld,
		HolderID:    s.HolderID,
		HolderName:  s.HolderName,
	}
	if s.ClaimHeld {
		v.ExpiresAt = s.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	summaries, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	views := make([]sessionView, 0, len(summaries))
	for _, s := range summaries {
		views = append(views, toView(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// handleLocks is a filtered view of handleSessions: only sessions
// currently under an active claim.
func (h *Handler) handleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	summaries, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	views := make([]sessionView, 0)
	for _, s := range summaries {
		if s.ClaimHeld {
			views = append(views, toView(s))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": views})
}

// handleSessionAction routes POST /api/terminal/sessions/{name}/lock and
// .../release. Any other suffix under the prefix is a 404.
func (h *Handler) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	principal, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/terminal/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	name, action := parts[0], parts[1]

	hub, err := h.registry.Resolve(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}

	switch action {
	case "lock":
		err = hub.AdminClaim(principal)
	case "release":
		err = hub.AdminRelease(principal)
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		h.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) writeActionError(w http.ResponseWriter, err error) {
	var actionErr *session.ActionError
	if errors.As(err, &actionErr) {
		writeError(w, statusForCode(actionErr.Code), actionErr.Message)
		return
	}
	if errors.Is(err, session.ErrHubStopped) {
		writeError(w, http.StatusConflict, "session is shutting down")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func statusForCode(code string) int {
	switch code {
	case "FORBIDDEN":
		return http.StatusForbidden
	case "LOCKED":
		return http.StatusConflict
	case "NOT_HOLDER":
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) authenticate(r *http.Request) (*session.Principal, error) {
	token, err := tokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	return h.resolver.Resolve(r.Context(), token)
}

func tokenFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	authHeader := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix), nil
	}
	return "", errors.New("missing bearer token")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
