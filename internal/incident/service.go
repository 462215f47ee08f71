package incident

import (
	"context"
	"net/url"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Notifier receives incident lifecycle notifications. Implementations
// must tolerate being called from short-lived goroutines.
type Notifier interface {
	IncidentCreated(ctx context.Context, inc *Incident, tags []TagRelation) error
	IncidentReopened(ctx context.Context, inc *Incident) error
}

// NewIncident is the payload for incident creation. Tags are canonical
// "key=value" strings; duplicates collapse.
type NewIncident struct {
	StartTime        time.Time
	EndTime          EndTime
	SourceIncidentID string
	DetailsURL       string
	Description      string
	TicketURL        string
	Tags             []string
}

// PartialUpdate is the PATCH payload for an incident. Only the tag set
// and the two URL fields may change; everything else is immutable over
// this path. A nil Tags slice means the tag set was not submitted at
// all and is left alone.
type PartialUpdate struct {
	Tags       []string
	HasTags    bool
	DetailsURL *string
	TicketURL  *string
}

// EventInput is the payload for appending a timeline event.
type EventInput struct {
	Timestamp   time.Time
	Type        EventType
	Description string
}

// AckInput is the payload for acknowledging an incident.
type AckInput struct {
	Event      EventInput
	Expiration *time.Time
}

// Service is the business boundary for incident operations. Every
// mutation runs as a single store transaction; the service never leaves
// partial state behind on failure.
type Service struct {
	store    Store
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
	now      func() time.Time
}

// NewService creates an incident service. metrics and notifier may be
// nil.
func NewService(store Store, logger log.Logger, metrics *Metrics, notifier Notifier) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		now:      time.Now,
	}
}

// CreateIncident records a new incident reported by source, with its
// initial tags attached as actor.
func (s *Service) CreateIncident(ctx context.Context, source SourceSystem, actor User, in NewIncident) (*Incident, error) {
	verr := &ValidationError{}
	if in.StartTime.IsZero() {
		verr.Add("start_time", "this field is required")
	}
	if in.SourceIncidentID == "" {
		verr.Add("source_incident_id", "this field is required")
	}
	validateURLField(verr, "details_url", in.DetailsURL)
	validateURLField(verr, "ticket_url", in.TicketURL)
	tags := parseTags(verr, in.Tags)
	if !verr.Empty() {
		return nil, verr
	}

	now := s.now()
	inc := &Incident{
		StartTime:        in.StartTime,
		EndTime:          in.EndTime,
		Source:           source,
		SourceIncidentID: in.SourceIncidentID,
		DetailsURL:       in.DetailsURL,
		Description:      in.Description,
		TicketURL:        in.TicketURL,
	}
	created, err := s.store.CreateIncident(ctx, inc, tags, actor, now)
	if err != nil {
		return nil, err
	}

	startEvent := &Event{
		Incident:    created.ID,
		Actor:       actor,
		Timestamp:   created.StartTime,
		Type:        EventTypeIncidentStart,
		Description: created.Description,
	}
	if _, err := s.store.AppendEvent(ctx, startEvent); err != nil {
		s.logger.Error(ctx, err, "failed to record incident_start event", "incident", created.ID)
	}

	if s.metrics != nil {
		s.metrics.IncidentsTotal.WithLabelValues(source.Type.Name).Inc()
		s.metrics.EventsTotal.WithLabelValues(string(EventTypeIncidentStart)).Inc()
	}
	if s.notifier != nil {
		relations, _ := s.store.TagRelations(ctx, created.ID)
		go s.notifyCreated(context.WithoutCancel(ctx), created, relations)
	}

	s.logger.Info(ctx, "incident created",
		"incident", created.ID,
		"source", source.Name,
		"source_incident_id", created.SourceIncidentID,
		"stateful", created.Stateful(),
	)
	return created, nil
}

// Get retrieves an incident by ID.
func (s *Service) Get(ctx context.Context, id int64) (*Incident, bool, error) {
	return s.store.GetIncident(ctx, id)
}

// List retrieves incidents matching the filter.
func (s *Service) List(ctx context.Context, f IncidentFilter) ([]Incident, error) {
	return s.store.ListIncidents(ctx, f, s.now())
}

// Tags returns the incident's current tag relations.
func (s *Service) Tags(ctx context.Context, incidentID int64) ([]TagRelation, error) {
	return s.store.TagRelations(ctx, incidentID)
}

// Acked reports whether the incident has an unexpired acknowledgement.
func (s *Service) Acked(ctx context.Context, incidentID int64) (bool, error) {
	return s.store.HasActiveAck(ctx, incidentID, s.now())
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// SetActive reopens a stateful incident. Already-active incidents are
// left alone; stateless incidents fail with an InvalidTransitionError.
func (s *Service) SetActive(ctx context.Context, id int64, actor User) (*Incident, bool, error) {
	return s.transition(ctx, id, actor, true)
}

// SetInactive resolves a stateful incident at the current time.
func (s *Service) SetInactive(ctx context.Context, id int64, actor User) (*Incident, bool, error) {
	return s.transition(ctx, id, actor, false)
}

func (s *Service) transition(ctx context.Context, id int64, actor User, active bool) (*Incident, bool, error) {
	inc, ok, err := s.store.GetIncident(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}

	now := s.now()
	before := inc.EndTime
	if active {
		err = inc.SetActive(now)
	} else {
		err = inc.SetInactive(now)
	}
	if err != nil {
		return nil, true, err
	}
	if inc.EndTime.Equal(before) {
		// No-op transition: already in the target state.
		return inc, true, nil
	}

	if err := s.store.SaveEndTime(ctx, id, inc.EndTime); err != nil {
		return nil, true, err
	}

	evType := EventTypeClose
	if active {
		evType = EventTypeReopen
	}
	ev := &Event{Incident: id, Actor: actor, Timestamp: now, Type: evType}
	if _, err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.Error(ctx, err, "failed to record transition event", "incident", id, "type", evType)
	}

	if s.metrics != nil {
		s.metrics.EventsTotal.WithLabelValues(string(evType)).Inc()
	}
	if active && s.notifier != nil {
		go s.notifyReopened(context.WithoutCancel(ctx), inc)
	}

	s.logger.Info(ctx, "incident state changed", "incident", id, "active", active)
	return inc, true, nil
}

// Update applies a partial update: tag reconciliation against the full
// submitted tag set, and/or new URL fields. The whole update is
// all-or-nothing; a removal the actor is not allowed to make fails the
// entire call and no tag change is committed.
func (s *Service) Update(ctx context.Context, id int64, actor User, up PartialUpdate) (*Incident, []TagRelation, error) {
	verr := &ValidationError{}
	if up.DetailsURL != nil {
		validateURLField(verr, "details_url", *up.DetailsURL)
	}
	if up.TicketURL != nil {
		validateURLField(verr, "ticket_url", *up.TicketURL)
	}
	var tags []Tag
	if up.HasTags {
		tags = parseTags(verr, up.Tags)
	}
	if !verr.Empty() {
		return nil, nil, verr
	}

	relations, err := s.store.ApplyUpdate(ctx, id, Update{
		Tags:       tags,
		HasTags:    up.HasTags,
		DetailsURL: up.DetailsURL,
		TicketURL:  up.TicketURL,
	}, actor, s.now())
	if err != nil {
		if s.metrics != nil {
			s.metrics.ReconcilesTotal.WithLabelValues("denied").Inc()
		}
		return nil, nil, err
	}
	if s.metrics != nil {
		s.metrics.ReconcilesTotal.WithLabelValues("applied").Inc()
	}

	inc, ok, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	return inc, relations, nil
}

// CreateEvent appends a timeline event to an incident.
func (s *Service) CreateEvent(ctx context.Context, incidentID int64, actor User, in EventInput) (*Event, error) {
	if in.Type == "" {
		in.Type = EventTypeOther
	}
	if !in.Type.Valid() {
		return nil, NewValidationError("type", "unknown event type "+string(in.Type))
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	ev, err := s.store.AppendEvent(ctx, &Event{
		Incident:    incidentID,
		Actor:       actor,
		Timestamp:   ts,
		Type:        in.Type,
		Description: in.Description,
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.EventsTotal.WithLabelValues(string(in.Type)).Inc()
	}
	return ev, nil
}

// UpdateEvent always fails: events and acknowledgements are immutable
// once created.
func (s *Service) UpdateEvent(ctx context.Context, incidentID, eventID int64, actor User) error {
	return ErrNotSupported
}

// GetEvent retrieves one event scoped to an incident.
func (s *Service) GetEvent(ctx context.Context, incidentID, eventID int64) (*Event, bool, error) {
	return s.store.GetEvent(ctx, incidentID, eventID)
}

// ListEvents returns the incident's timeline.
func (s *Service) ListEvents(ctx context.Context, incidentID int64) ([]Event, error) {
	return s.store.ListEvents(ctx, incidentID)
}

/// Acknowledge records an acknowledgement: first the acknowledge event,
// then the acknowledgement referencing it, in one transaction.
func (s *Service) Acknowledge(ctx context.Context, incidentID int64, actor User, in AckInput) (*Acknowledgement, error) {
	if in.Event.Type == "" {
		in.Event.Type = EventTypeAcknowledge
	}
	ts := in.Event.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	ev := Event{
		Incident:    incidentID,
		Actor:       actor,
		Timestamp:   ts,
		Type:        in.Event.Type,
		Description: in.Event.Description,
	}
	if err := ValidateAcknowledgement(ev, in.Expiration); err != nil {
		return nil, err
	}
	ack, err := s.store.CreateAcknowledgement(ctx, &ev, in.Expiration)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.AcksTotal.Inc()
		s.metrics.EventsTotal.WithLabelValues(string(EventTypeAcknowledge)).Inc()
	}
	s.logger.Info(ctx, "incident acknowledged", "incident", incidentID, "actor", actor.Username)
	return ack, nil
}

// GetAcknowledgement retrieves one acknowledgement scoped to an incident.
func (s *Service) GetAcknowledgement(ctx context.Context, incidentID, eventID int64) (*Acknowledgement, bool, error) {
	return s.store.GetAcknowledgement(ctx, incidentID, eventID)
}

// ListAcknowledgements returns the incident's acknowledgements.
func (s *Service) ListAcknowledgements(ctx context.Context, incidentID int64) ([]Acknowledgement, error) {
	return s.store.ListAcknowledgements(ctx, incidentID)
}

// CreateRelation links two incidents with a typed, directed relation.
func (s *Service) CreateRelation(ctx context.Context, rel *IncidentRelation) (*IncidentRelation, error) {
	if rel.Incident1 == rel.Incident2 {
		return nil, NewValidationError("incident2", "an incident cannot relate to itself")
	}
	if rel.Type.Name == "" {
		return nil, NewValidationError("type", "this field is required")
	}
	return s.store.CreateIncidentRelation(ctx, rel)
}

// ListRelations returns relations where the incident appears in either
// position.
func (s *Service) ListRelations(ctx context.Context, incidentID int64) ([]IncidentRelation, error) {
	return s.store.ListIncidentRelations(ctx, incidentID)
}

// CreateSourceSystemType interns a (lowercased) source system type.
func (s *Service) CreateSourceSystemType(ctx context.Context, name string) (*SourceSystemType, error) {
	st, err := NewSourceSystemType(name)
	if err != nil {
		return nil, err
	}
	return s.store.GetOrCreateSourceSystemType(ctx, st)
}

// ListSourceSystemTypes lists all known source system types.
func (s *Service) ListSourceSystemTypes(ctx context.Context) ([]SourceSystemType, error) {
	return s.store.ListSourceSystemTypes(ctx)
}

// ListSourceSystems lists all known source systems.
func (s *Service) ListSourceSystems(ctx context.Context) ([]SourceSystem, error) {
	return s.store.ListSourceSystems(ctx)
}

// SourceForUser finds the source system the actor reports for, if any.
func (s *Service) SourceForUser(ctx context.Context, userID int64) (*SourceSystem, bool, error) {
	return s.store.GetSourceSystemByUser(ctx, userID)
}

func (s *Service) notifyCreated(ctx context.Context, inc *Incident, tags []TagRelation) {
	if err := s.notifier.IncidentCreated(ctx, inc, tags); err != nil {
		s.logger.Error(ctx, err, "incident-created notification failed", "incident", inc.ID)
	}
}

func (s *Service) notifyReopened(ctx context.Context, inc *Incident) {
	if err := s.notifier.IncidentReopened(ctx, inc); err != nil {
		s.logger.Error(ctx, err, "incident-reopened notification failed", "incident", inc.ID)
	}
}

// parseTags parses canonical tag strings, accumulating per-tag failures
// into verr. Duplicates collapse.
func parseTags(verr *ValidationError, raw []string) []Tag {
	tags := make([]Tag, 0, len(raw))
	for _, r := range raw {
		t, err := ParseTag(r)
		if err != nil {
			if ve, ok := AsValidationError(err); ok {
				for f, msg := range ve.Fields {
					verr.Add(f, msg)
				}
			} else {
				verr.Add(r, err.Error())
			}
			continue
		}
		tags = append(tags, t)
	}
	return dedupeTags(tags)
}

// validateURLField rejects non-empty values that are not absolute
// http(s) URLs. Empty values are allowed; both URL fields are optional.
func validateURLField(verr *ValidationError, field, value string) {
	if value == "" {
		return
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		verr.Add(field, "enter a valid URL")
	}
}
