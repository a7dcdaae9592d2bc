package httpapi

import (
	"net/http"
	"strings"

	"vestra.org/internal/obs"
)

type pauseKeyRequest struct {
	Resource  string `json:"resource"`
	Operation string `json:"operation"`
}

type pausersRequest struct {
	Resource   string   `json:"resource"`
	Operations []string `json:"operations"`
	Role       string   `json:"role,omitempty"`
	Remove     bool     `json:"remove,omitempty"`
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.setPaused(w, r, true)
}

func (a *API) handleUnpause(w http.ResponseWriter, r *http.Request) {
	a.setPaused(w, r, false)
}

func (a *API) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req pauseKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var err error
	event := "pause.set"
	if paused {
		err = a.guard.Pause(r.Context(), caller, req.Resource, req.Operation)
	} else {
		err = a.guard.Unpause(r.Context(), caller, req.Resource, req.Operation)
		event = "pause.clear"
	}
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), event, map[string]any{
		"resource":  req.Resource,
		"operation": req.Operation,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGeneralPause(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var paused bool
	switch r.Method {
	case http.MethodPost:
		paused = true
	case http.MethodDelete:
		paused = false
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	if err := a.guard.SetGeneral(r.Context(), caller, paused); err != nil {
		handleCoreError(w, r, err)
		return
	}
	obs.SetGeneralPaused(paused)
	a.audit(r.Context(), "pause.general", map[string]any{"paused": paused})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePausers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req pausersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var err error
	if req.Remove {
		err = a.guard.RemovePauserRole(r.Context(), caller, req.Resource, req.Operations)
	} else {
		err = a.guard.SetPauserRole(r.Context(), caller, req.Resource, req.Operations, req.Role)
	}
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "pause.pausers.update", map[string]any{
		"resource":   req.Resource,
		"operations": req.Operations,
		"role":       req.Role,
		"remove":     req.Remove,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePauseState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	operation := strings.TrimSpace(r.URL.Query().Get("operation"))
	state, err := a.guard.Get(resource, operation)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
