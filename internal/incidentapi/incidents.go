package incidentapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hmpf/argus/internal/authmw"
	"github.com/hmpf/argus/internal/incident"
)

func (a *API) actorFrom(w http.ResponseWriter, r *http.Request) (incident.User, bool) {
	actor, ok := authmw.ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no authenticated user")
	}
	return actor, ok
}

// boolParam parses an optional ?name=true|false query parameter.
func boolParam(r *http.Request, name string) *bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

func (a *API) listIncidents(w http.ResponseWriter, r *http.Request, f incident.IncidentFilter) {
	incs, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	out, err := a.incidentsToRepr(r.Context(), incs)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	f := incident.IncidentFilter{
		Stateful: boolParam(r, "stateful"),
		Active:   boolParam(r, "active"),
		Acked:    boolParam(r, "acked"),
	}
	a.listIncidents(w, r, f)
}

func (a *API) handleListOpen(w http.ResponseWriter, r *http.Request) {
	active := true
	a.listIncidents(w, r, incident.IncidentFilter{Active: &active})
}

func (a *API) handleListOpenUnacked(w http.ResponseWriter, r *http.Request) {
	active := true
	acked := false
	a.listIncidents(w, r, incident.IncidentFilter{Active: &active, Acked: &acked})
}

func (a *API) handleListMine(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actorFrom(w, r)
	if !ok {
		return
	}
	source, ok, err := a.svc.SourceForUser(r.Context(), actor.ID)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, []incidentRepr{})
		return
	}
	a.listIncidents(w, r, incident.IncidentFilter{SourceID: source.ID})
}

func (a *API) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actorFrom(w, r)
	if !ok {
		return
	}
	source, ok, err := a.svc.SourceForUser(r.Context(), actor.ID)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "user is not a source system")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var payload incidentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		if ve, ok := incident.AsValidationError(err); ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"errors": ve.Fields})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	in := incident.NewIncident{
		StartTime:        payload.StartTime,
		EndTime:          payload.EndTime,
		SourceIncidentID: payload.SourceIncidentID,
		DetailsURL:       payload.DetailsURL,
		Description:      payload.Description,
		TicketURL:        payload.TicketURL,
		Tags:             make([]string, 0, len(payload.Tags)),
	}
	for _, t := range payload.Tags {
		in.Tags = append(in.Tags, t.canonical())
	}

	created, err := a.svc.CreateIncident(r.Context(), *source, actor, in)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	repr, err := a.incidentToRepr(r.Context(), created)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, repr)
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int64("argus.incident.id", id))

	inc, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	repr, err := a.incidentToRepr(r.Context(), inc)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repr)
}

func (a *API) handlePatchIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	actor, ok := a.actorFrom(w, r)
	if !ok {
		return
	}
	if _, ok, err := a.svc.Get(r.Context(), id); err != nil || !ok {
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	up, err := decodePartialUpdate(body)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	inc, _, err := a.svc.Update(r.Context(), id, actor, up)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if inc == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	repr, err := a.incidentToRepr(r.Context(), inc)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repr)
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, true)
}

func (a *API) handleSetInactive(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, false)
}

func (a *API) transition(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := incidentIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	actor, ok := a.actorFrom(w, r)
	if !ok {
		return
	}

	var (
		inc *incident.Incident
		err error
	)
	if active {
		inc, ok, err = a.svc.SetActive(r.Context(), id, actor)
	} else {
		inc, ok, err = a.svc.SetInactive(r.Context(), id, actor)
	}
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	repr, err := a.incidentToRepr(r.Context(), inc)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repr)
}
