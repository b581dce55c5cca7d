package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/relaykit/sessiond/internal/handshake"
	"github.com/relaykit/sessiond/internal/manager"
	"github.com/relaykit/sessiond/internal/provider"
	"github.com/relaykit/sessiond/internal/store"
	"github.com/relaykit/sessiond/internal/worker"
)

type createResourceRequest struct {
	UserID   string         `json:"user_id"`
	Provider string         `json:"provider"`
	Label    string         `json:"label"`
	Config   map[string]any `json:"config"`
}

func (rt *router) handleCreateResource(w http.ResponseWriter, req *http.Request) {
	var payload createResourceRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("INVALID_PAYLOAD", nil))
		return
	}
	if _, err := rt.deps.Registry.Schema(payload.Provider); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("UNKNOWN_PROVIDER", nil))
		return
	}
	if _, err := rt.deps.Store.GetUser(req.Context(), payload.UserID); err != nil {
		rt.writeUserError(w, err)
		return
	}
	resource, err := rt.deps.Store.CreateResource(req.Context(), store.CreateResourceInput{
		UserID:   payload.UserID,
		Provider: payload.Provider,
		Label:    payload.Label,
		Config:   payload.Config,
	})
	if err != nil {
		rt.logger.Error("create resource failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL", nil))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "resource": resourceView(resource, rt)})
}

func (rt *router) handleListResources(w http.ResponseWriter, req *http.Request) {
	userID := strings.TrimSpace(req.URL.Query().Get("user_id"))
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("MISSING_FIELDS", map[string]any{"problems": []string{"MISSING:user_id"}}))
		return
	}
	resources, err := rt.deps.Store.ListForUser(req.Context(), userID)
	if err != nil {
		rt.logger.Error("list resources failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL", nil))
		return
	}
	views := make([]map[string]any, 0, len(resources))
	for _, resource := range resources {
		views = append(views, resourceView(resource, rt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "resources": views})
}

type updateResourceRequest struct {
	Label  string         `json:"label"`
	Config map[string]any `json:"config"`
}

// handleUpdateResource merges a config patch. The stored creds subtree is
// preserved regardless of what the patch carries.
func (rt *router) handleUpdateResource(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var payload updateResourceRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("INVALID_PAYLOAD", nil))
		return
	}
	if len(payload.Config) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("MISSING_FIELDS", map[string]any{"problems": []string{"MISSING:config"}}))
		return
	}
	resource, err := rt.deps.Store.UpdateResourceConfig(req.Context(), id, payload.Config)
	if err != nil {
		rt.writeResourceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "resource": resourceView(resource, rt)})
}

type activateRequest struct {
	Code  string         `json:"code"`
	Creds map[string]any `json:"creds"`
}

// handleActivate drives the two-step handshake. Without a code it begins
// (or restarts) the handshake; with a code it confirms.
func (rt *router) handleActivate(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var payload activateRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("INVALID_PAYLOAD", nil))
		return
	}

	resource, err := rt.deps.Store.GetResource(req.Context(), id)
	if err != nil {
		rt.writeResourceError(w, err)
		return
	}

	if len(payload.Creds) > 0 {
		merged := resource.Credentials()
		for key, value := range payload.Creds {
			merged[key] = value
		}
		resource, err = rt.deps.Store.PutResourceCredentials(req.Context(), id, merged)
		if err != nil {
			rt.writeResourceError(w, err)
			return
		}
	}

	if ok, problems := rt.deps.Registry.ValidateConfig(resource.Provider, resource.Config); !ok {
		code := "MISSING_FIELDS"
		if len(problems) == 1 && problems[0] == "UNKNOWN_PROVIDER" {
			code = "UNKNOWN_PROVIDER"
		}
		writeJSON(w, http.StatusBadRequest, errorBody(code, map[string]any{"problems": problems}))
		return
	}

	if strings.TrimSpace(payload.Code) == "" {
		rt.beginHandshake(w, req, resource)
		return
	}
	rt.confirmHandshake(w, req, resource, payload.Code)
}

func (rt *router) beginHandshake(w http.ResponseWriter, req *http.Request, resource store.Resource) {
	outcome, err := rt.deps.Handshake.Begin(req.Context(), resource)
	if err != nil {
		rt.logger.Error("handshake begin failed", "resource_id", resource.ID, "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody("TRANSPORT_ERROR", nil))
		return
	}
	switch outcome.State {
	case handshake.StateNeedCode:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "need_code": true})
	case handshake.StateAlreadyAuthenticated:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "activated": true})
	case handshake.StateFloodWait:
		writeJSON(w, http.StatusTooManyRequests, errorBody("FLOOD_WAIT", map[string]any{
			"retry_not_before": outcome.RetryNotBefore.Unix(),
		}))
	case handshake.StateInvalidCredentials:
		writeJSON(w, http.StatusBadRequest, errorBody("INVALID_CREDENTIALS", nil))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL", nil))
	}
}

func (rt *router) confirmHandshake(w http.ResponseWriter, req *http.Request, resource store.Resource, code string) {
	_, err := rt.deps.Handshake.Confirm(req.Context(), resource, code)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "activated": true})
		return
	}
	var flood *provider.FloodWaitError
	switch {
	case errors.Is(err, provider.ErrCodeInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody("CODE_INVALID", nil))
	case errors.Is(err, handshake.ErrHandshakeExpired):
		writeJSON(w, http.StatusGone, errorBody("HANDSHAKE_EXPIRED", nil))
	case errors.Is(err, handshake.ErrMissingPendingSession):
		writeJSON(w, http.StatusConflict, errorBody("MISSING_PENDING_SESSION", nil))
	case errors.As(err, &flood):
		writeJSON(w, http.StatusTooManyRequests, errorBody("FLOOD_WAIT", nil))
	default:
		rt.logger.Error("handshake confirm failed", "resource_id", resource.ID, "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody("TRANSPORT_ERROR", nil))
	}
}

type toggleRequest struct {
	Action string `json:"action"`
}

// handleToggle flips the desired status. Activation validates the config,
// requires completed session material and starts the worker; pausing stops
// it synchronously.
func (rt *router) handleToggle(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var payload toggleRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("INVALID_PAYLOAD", nil))
		return
	}

	resource, err := rt.deps.Store.GetResource(req.Context(), id)
	if err != nil {
		rt.writeResourceError(w, err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(payload.Action)) {
	case "activate":
		if ok, problems := rt.deps.Registry.ValidateConfig(resource.Provider, resource.Config); !ok {
			writeJSON(w, http.StatusBadRequest, errorBody("MISSING_FIELDS", map[string]any{"problems": problems}))
			return
		}
		if session, _ := resource.Credentials()["session"].(string); strings.TrimSpace(session) == "" {
			writeJSON(w, http.StatusConflict, errorBody("MISSING_SESSION", nil))
			return
		}
		if err := rt.deps.Store.UpdateResourceStatus(req.Context(), id, store.StatusActive, store.PhaseReady, ""); err != nil {
			rt.writeResourceError(w, err)
			return
		}
		resource, err = rt.deps.Store.GetResource(req.Context(), id)
		if err != nil {
			rt.writeResourceError(w, err)
			return
		}
		if _, err := rt.deps.Manager.EnsureStarted(req.Context(), resource); err != nil {
			rt.logger.Error("worker start failed", "resource_id", id, "error", err)
			if errors.Is(err, provider.ErrNoWorkerImplementation) {
				writeJSON(w, http.StatusConflict, errorBody("NO_WORKER_IMPLEMENTATION", nil))
				return
			}
			writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL", nil))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": store.StatusActive})
	case "pause":
		if err := rt.deps.Store.UpdateResourceStatus(req.Context(), id, store.StatusPaused, store.PhasePaused, ""); err != nil {
			rt.writeResourceError(w, err)
			return
		}
		rt.deps.Manager.Stop(id)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": store.StatusPaused})
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("INVALID_ACTION", nil))
	}
}

type sendRequest struct {
	PeerID string `json:"peer_id"`
	Text   string `json:"text"`
}

func (rt *router) handleSend(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var payload sendRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("INVALID_PAYLOAD", nil))
		return
	}
	if strings.TrimSpace(payload.PeerID) == "" || strings.TrimSpace(payload.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("MISSING_FIELDS", map[string]any{"problems": []string{"MISSING:peer_id", "MISSING:text"}}))
		return
	}
	err := rt.deps.Manager.Send(req.Context(), id, payload.PeerID, payload.Text)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, manager.ErrWorkerNotRunning), errors.Is(err, worker.ErrNotRunning):
		writeJSON(w, http.StatusConflict, errorBody("NOT_RUNNING", nil))
	default:
		rt.logger.Error("manual send failed", "resource_id", id, "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody("TRANSPORT_ERROR", nil))
	}
}

// resourceView is the list/detail shape: the raw row plus live validation
// problems so the UI can show what is missing without another round trip.
// Credential values are never echoed back.
func resourceView(resource store.Resource, rt *router) map[string]any {
	config := make(map[string]any, len(resource.Config))
	for key, value := range resource.Config {
		if key == store.ConfigCredentialsKey {
			continue
		}
		config[key] = value
	}
	view := map[string]any{
		"id":          resource.ID,
		"user_id":     resource.UserID,
		"provider":    resource.Provider,
		"label":       resource.Label,
		"status":      resource.Status,
		"phase":       resource.Phase,
		"config":      config,
		"usage_today": resource.UsageToday,
		"cost_today":  resource.CostToday,
	}
	if !resource.LastActivity.IsZero() {
		view["last_activity"] = resource.LastActivity.Unix()
	}
	if resource.LastErrorCode != "" {
		view["last_error_code"] = resource.LastErrorCode
	}
	if ok, problems := rt.deps.Registry.ValidateConfig(resource.Provider, resource.Config); !ok {
		view["problems"] = problems
	}
	return view
}

func (rt *router) writeResourceError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrResourceNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("RESOURCE_NOT_FOUND", nil))
		return
	}
	rt.logger.Error("resource operation failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL", nil))
}
