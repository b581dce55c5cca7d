// Package httpapi exposes the management surface: resource CRUD, the
// activation handshake, per-user bot switches and the runtime status page.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaykit/sessiond/internal/config"
	"github.com/relaykit/sessiond/internal/handshake"
	"github.com/relaykit/sessiond/internal/heartbeat"
	"github.com/relaykit/sessiond/internal/manager"
	"github.com/relaykit/sessiond/internal/provider"
	"github.com/relaykit/sessiond/internal/store"
)

type Dependencies struct {
	Config    config.Config
	Store     *store.Store
	Registry  *provider.Registry
	Manager   *manager.Manager
	Handshake *handshake.Coordinator
	Heartbeat *heartbeat.Registry
	Logger    *slog.Logger
}

type router struct {
	deps   Dependencies
	logger *slog.Logger
}

func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &router{deps: deps, logger: logger.With("component", "httpapi")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.handleHealth)
	mux.HandleFunc("GET /readyz", rt.handleReady)
	mux.HandleFunc("GET /api/v1/status", rt.handleStatus)
	mux.HandleFunc("GET /api/v1/providers", rt.handleProviders)

	mux.HandleFunc("POST /api/v1/users", rt.handleCreateUser)
	mux.HandleFunc("POST /api/v1/users/{id}/bot/start", rt.handleBotStart)
	mux.HandleFunc("POST /api/v1/users/{id}/bot/stop", rt.handleBotStop)
	mux.HandleFunc("GET /api/v1/users/{id}/preflight", rt.handlePreflight)

	mux.HandleFunc("POST /api/v1/resources", rt.handleCreateResource)
	mux.HandleFunc("GET /api/v1/resources", rt.handleListResources)
	mux.HandleFunc("PATCH /api/v1/resources/{id}", rt.handleUpdateResource)
	mux.HandleFunc("POST /api/v1/resources/{id}/activate", rt.handleActivate)
	mux.HandleFunc("POST /api/v1/resources/{id}/toggle", rt.handleToggle)
	mux.HandleFunc("POST /api/v1/resources/{id}/send", rt.handleSend)
	return mux
}

func (rt *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *router) handleReady(w http.ResponseWriter, req *http.Request) {
	if err := rt.deps.Store.Ping(req.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (rt *router) handleStatus(w http.ResponseWriter, req *http.Request) {
	staleAfter := time.Duration(rt.deps.Config.HeartbeatStaleSec) * time.Second
	writeJSON(w, http.StatusOK, rt.deps.Heartbeat.Snapshot(staleAfter))
}

func (rt *router) handleProviders(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": rt.deps.Registry.Names()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody is the uniform failure shape: a stable string code for the UI,
// optional structured detail. Free-text messages stay in the server log.
func errorBody(code string, extra map[string]any) map[string]any {
	body := map[string]any{"ok": false, "error": code}
	for key, value := range extra {
		body[key] = value
	}
	return body
}
