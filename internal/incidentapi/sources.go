package incidentapi

import (
	"encoding/json"
	"net/http"
)

func (a *API) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := a.svc.ListSourceSystems(r.Context())
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	out := make([]sourceRepr, 0, len(sources))
	for _, s := range sources {
		out = append(out, sourceToRepr(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleListSourceTypes(w http.ResponseWriter, r *http.Request) {
	types, err := a.svc.ListSourceSystemTypes(r.Context())
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	out := make([]map[string]string, 0, len(types))
	for _, st := range types {
		out = append(out, map[string]string{"name": st.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCreateSourceType(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	st, err := a.svc.CreateSourceSystemType(r.Context(), payload.Name)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": st.Name})
}
