package httpapi

import (
	"net/http"
	"strings"
)

func (a *API) handlePools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pools": a.pools.Pools(),
	})
}

func (a *API) handlePoolResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/pools/"), "/")
	if name == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	p, err := a.pools.Get(name)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
