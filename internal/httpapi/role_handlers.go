package httpapi

import (
	"net/http"
	"strings"

	"vestra.org/internal/roles"
)

type createRoleRequest struct {
	Name         string `json:"name"`
	AccountLimit int    `json:"account_limit"`
	CreatorRole  string `json:"creator_role"`
	AdminRole    string `json:"admin_role"`
	IsCreator    bool   `json:"is_creator"`
	ForContracts bool   `json:"for_contracts"`
	NotContracts bool   `json:"not_contracts"`
}

type updateRoleRequest struct {
	AccountLimit *int    `json:"account_limit,omitempty"`
	AdminRole    *string `json:"admin_role,omitempty"`
	IsCreator    *bool   `json:"is_creator,omitempty"`
	ForContracts *bool   `json:"for_contracts,omitempty"`
	NotContracts *bool   `json:"not_contracts,omitempty"`
}

type roleMemberRequest struct {
	Identity string `json:"identity"`
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.reg.Create(r.Context(), caller, roles.Spec{
		Name:         req.Name,
		AccountLimit: req.AccountLimit,
		CreatorRole:  req.CreatorRole,
		AdminRole:    req.AdminRole,
		IsCreator:    req.IsCreator,
		ForContracts: req.ForContracts,
		NotContracts: req.NotContracts,
	})
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "roles.create", map[string]any{
		"role":          role.Name,
		"account_limit": role.AccountLimit,
	})
	w.Header().Set("Location", "/v1/roles/"+role.Name)
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/roles/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	name := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			a.getRole(w, r, name)
		case http.MethodPatch:
			a.updateRole(w, r, name)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
		}
		return
	}
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch parts[1] {
	case "has":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.roleHas(w, r, name)
	case "activate", "deactivate", "grant", "revoke", "renounce":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.mutateRole(w, r, name, parts[1])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getRole(w http.ResponseWriter, r *http.Request, name string) {
	role, err := a.reg.Get(name)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request, name string) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.reg.UpdateRole(r.Context(), caller, name, roles.Update{
		AccountLimit: req.AccountLimit,
		AdminRole:    req.AdminRole,
		IsCreator:    req.IsCreator,
		ForContracts: req.ForContracts,
		NotContracts: req.NotContracts,
	})
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "roles.update", map[string]any{"role": name})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) roleHas(w http.ResponseWriter, r *http.Request, name string) {
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		writeError(w, r, http.StatusBadRequest, "identity query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":     name,
		"identity": identity,
		"held":     a.reg.Has(name, identity),
	})
}

func (a *API) mutateRole(w http.ResponseWriter, r *http.Request, name, action string) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}

	var err error
	fields := map[string]any{"role": name}
	switch action {
	case "activate":
		err = a.reg.Activate(r.Context(), caller, name)
	case "deactivate":
		err = a.reg.Deactivate(r.Context(), caller, name)
	default:
		var req roleMemberRequest
		if derr := decodeJSON(w, r, &req); derr != nil {
			writeError(w, r, http.StatusBadRequest, derr.Error())
			return
		}
		identity := strings.TrimSpace(req.Identity)
		if identity == "" {
			writeError(w, r, http.StatusBadRequest, "identity is required")
			return
		}
		fields["target"] = identity
		switch action {
		case "grant":
			err = a.reg.Grant(r.Context(), caller, name, identity)
		case "revoke":
			err = a.reg.Revoke(r.Context(), caller, name, identity)
		case "renounce":
			err = a.reg.Renounce(r.Context(), caller, name, identity)
		}
	}
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "roles."+action, fields)
	w.WriteHeader(http.StatusNoContent)
}
