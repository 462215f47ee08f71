package incidentapi

import (
	"encoding/json"
	"net/http"

	"github.com/hmpf/argus/internal/incident"
)

// requireIncident resolves the {incidentID} param and checks existence.
func (a *API) requireIncident(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := incidentIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return 0, false
	}
	_, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, r, err)
		return 0, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return 0, false
	}
	return id, true
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIncident(w, r)
	if !ok {
		return
	}
	events, err := a.svc.ListEvents(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	out := make([]eventRepr, 0, len(events))
	for _, ev := range events {
		out = append(out, eventToRepr(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIncident(w, r)
	if !ok {
		return
	}
	actor, ok := a.actorFrom(w, r)
	if !ok {
		return
	}

	var payload eventPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	ev, err := a.svc.CreateEvent(r.Context(), id, actor, incident.EventInput{
		Timestamp:   payload.Timestamp,
		Type:        incident.EventType(payload.Type),
		Description: payload.Description,
	})
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, eventToRepr(*ev))
}

func (a *API) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	eventID, ok := eventIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	ev, ok, err := a.svc.GetEvent(r.Context(), id, eventID)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, eventToRepr(*ev))
}

// handleUpdateEvent rejects every attempt: events are immutable.
func (a *API) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	eventID, ok := eventIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	actor, ok := a.actorFrom(w, r)
	if !ok {
		return
	}
	if err := a.svc.UpdateEvent(r.Context(), id, eventID, actor); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
}

func (a *API) handleListAcks(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIncident(w, r)
	if !ok {
		return
	}
	acks, err := a.svc.ListAcknowledgements(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	out := make([]ackRepr, 0, len(acks))
	for _, ack := range acks {
		out = append(out, ackToRepr(ack))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCreateAck(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIncident(w, r)
	if !ok {
		return
	}
	actor, ok := a.actorFrom(w, r)
	if !ok {
		return
	}

	var payload ackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	ack, err := a.svc.Acknowledge(r.Context(), id, actor, incident.AckInput{
		Event: incident.EventInput{
			Timestamp:   payload.Event.Timestamp,
			Type:        incident.EventType(payload.Event.Type),
			Description: payload.Event.Description,
		},
		Expiration: payload.Expiration,
	})
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ackToRepr(*ack))
}

func (a *API) handleGetAck(w http.ResponseWriter, r *http.Request) {
	id, ok := incidentIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	eventID, ok := eventIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	ack, ok, err := a.svc.GetAcknowledgement(r.Context(), id, eventID)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, ackToRepr(*ack))
}
