package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/relaykit/sessiond/internal/store"
)

type createUserRequest struct {
	DisplayName string `json:"display_name"`
}

func (rt *router) handleCreateUser(w http.ResponseWriter, req *http.Request) {
	var payload createUserRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("INVALID_PAYLOAD", nil))
		return
	}
	if strings.TrimSpace(payload.DisplayName) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("MISSING_FIELDS", map[string]any{"problems": []string{"MISSING:display_name"}}))
		return
	}
	user, err := rt.deps.Store.CreateUser(req.Context(), payload.DisplayName)
	if err != nil {
		rt.logger.Error("create user failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL", nil))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "user": user})
}

// handleBotStart flips the account-level switch on and starts workers for
// every active resource of the user.
func (rt *router) handleBotStart(w http.ResponseWriter, req *http.Request) {
	userID := req.PathValue("id")
	if err := rt.deps.Store.SetBotEnabled(req.Context(), userID, true); err != nil {
		rt.writeUserError(w, err)
		return
	}
	started, err := rt.deps.Manager.StartForUser(req.Context(), userID)
	if err != nil {
		rt.logger.Error("start for user failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "started": started})
}

// handleBotStop flips the switch off and synchronously stops the user's
// workers.
func (rt *router) handleBotStop(w http.ResponseWriter, req *http.Request) {
	userID := req.PathValue("id")
	if err := rt.deps.Store.SetBotEnabled(req.Context(), userID, false); err != nil {
		rt.writeUserError(w, err)
		return
	}
	stopped := rt.deps.Manager.StopForUser(userID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stopped": stopped})
}

func (rt *router) handlePreflight(w http.ResponseWriter, req *http.Request) {
	userID := req.PathValue("id")
	if _, err := rt.deps.Store.GetUser(req.Context(), userID); err != nil {
		rt.writeUserError(w, err)
		return
	}
	entries, err := rt.deps.Manager.Preflight(req.Context(), userID)
	if err != nil {
		rt.logger.Error("preflight failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "resources": entries})
}

func (rt *router) writeUserError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrUserNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("USER_NOT_FOUND", nil))
		return
	}
	rt.logger.Error("user operation failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody("INTERNAL", nil))
}
