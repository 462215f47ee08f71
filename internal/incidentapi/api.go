// Package incidentapi exposes the incident record-keeper over HTTP.
package incidentapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/hmpf/argus/internal/incident"
)

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    *incident.Service
}

// New creates a new API handler.
func New(logger log.Logger, svc *incident.Service) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", a.handleListIncidents)
			r.Post("/", a.handleCreateIncident)
			r.Get("/open", a.handleListOpen)
			r.Get("/open+unacked", a.handleListOpenUnacked)
			r.Get("/mine", a.handleListMine)

			r.Route("/{incidentID}", func(r chi.Router) {
				r.Get("/", a.handleGetIncident)
				r.Patch("/", a.handlePatchIncident)
				r.Put("/active", a.handleSetActive)
				r.Put("/inactive", a.handleSetInactive)

				r.Route("/events", func(r chi.Router) {
					r.Get("/", a.handleListEvents)
					r.Post("/", a.handleCreateEvent)
					r.Get("/{eventID}", a.handleGetEvent)
					r.Put("/{eventID}", a.handleUpdateEvent)
					r.Patch("/{eventID}", a.handleUpdateEvent)
				})

				r.Route("/acks", func(r chi.Router) {
					r.Get("/", a.handleListAcks)
					r.Post("/", a.handleCreateAck)
					r.Get("/{eventID}", a.handleGetAck)
				})
			})
		})

		r.Get("/sources", a.handleListSources)
		r.Get("/source-types", a.handleListSourceTypes)
		r.Post("/source-types", a.handleCreateSourceType)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP statuses. Validation
// failures carry a per-field error map.
func (a *API) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if ve, ok := incident.AsValidationError(err); ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": ve.Fields})
		return
	}
	var ite *incident.InvalidTransitionError
	if errors.As(err, &ite) {
		writeError(w, http.StatusBadRequest, ite.Reason)
		return
	}
	if errors.Is(err, incident.ErrNotSupported) {
		writeError(w, http.StatusMethodNotAllowed, err.Error())
		return
	}
	a.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func incidentIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "incidentID"), 10, 64)
	return id, err == nil && id > 0
}

func eventIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "eventID"), 10, 64)
	return id, err == nil && id > 0
}
