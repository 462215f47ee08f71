package incident

import (
	"fmt"
	"strings"
	"time"
)

// User is the acting identity behind an API request. Authentication is
// an external concern; the domain only needs the identity and the
// superuser flag that relaxes tag-removal authorization.
type User struct {
	ID        int64  `json:"pk"`
	Username  string `json:"username"`
	Superuser bool   `json:"-"`
}

// SourceSystemType classifies source systems, e.g. "nav" or "zabbix".
// Names are the primary key and always lowercase.
type SourceSystemType struct {
	Name string `json:"name"`
}

// NewSourceSystemType normalizes and validates a type name. Every code
// path constructing a type goes through here, so names that differ only
// by case cannot coexist.
func NewSourceSystemType(name string) (SourceSystemType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return SourceSystemType{}, NewValidationError("name", "source system type name must not be empty")
	}
	return SourceSystemType{Name: name}, nil
}

// SourceSystem is a concrete external system that reports incidents.
// Each source system owns exactly one user, which it authenticates as.
type SourceSystem struct {
	ID     int64            `json:"pk"`
	Name   string           `json:"name"`
	Type   SourceSystemType `json:"type"`
	UserID int64            `json:"user"`
}

// Incident is the central record: something happened in a monitored
// system, reported by a source system.
type Incident struct {
	ID               int64
	StartTime        time.Time
	EndTime          EndTime
	Source           SourceSystem
	SourceIncidentID string
	DetailsURL       string
	Description      string
	TicketURL        string
}

// Stateful reports whether the incident has a resolution concept at
// all. A stateless incident is a pure point-in-time record.
func (i *Incident) Stateful() bool {
	return i.EndTime.IsSet()
}

// Active reports whether the incident is stateful and not yet resolved
// as of now.
func (i *Incident) Active(now time.Time) bool {
	return i.Stateful() && i.EndTime.After(now)
}

// SetActive reopens a stateful incident by making its end time
// open-ended. Activating an already-active incident is a no-op;
// activating a stateless incident is an invalid transition.
func (i *Incident) SetActive(now time.Time) error {
	if !i.Stateful() {
		return &InvalidTransitionError{Reason: "cannot set a stateless incident as active"}
	}
	if i.Active(now) {
		return nil
	}
	i.EndTime = EndTimeOpen()
	return nil
}

// SetInactive resolves a stateful incident by fixing its end time at
// now. Deactivating an already-inactive incident is a no-op;
// deactivating a stateless incident is an invalid transition.
func (i *Incident) SetInactive(now time.Time) error {
	if !i.Stateful() {
		return &InvalidTransitionError{Reason: "cannot set a stateless incident as inactive"}
	}
	if !i.Active(now) {
		return nil
	}
	i.EndTime = EndTimeAt(now)
	return nil
}

// TagRelation binds a tag to an incident and records who attached it
// and when. AddedTime is set once and never changes.
type TagRelation struct {
	ID        int64
	Tag       Tag
	Incident  int64
	AddedBy   User
	AddedTime time.Time
}

// IncidentRelationType names a kind of incident-to-incident relation,
// e.g. "duplicate of".
type IncidentRelationType struct {
	ID   int64  `json:"pk"`
	Name string `json:"name"`
}

// IncidentRelation is a directed pair of incidents. No reverse relation
// is materialized; lookups for an incident check both positions.
type IncidentRelation struct {
	ID          int64                `json:"pk"`
	Incident1   int64                `json:"incident1"`
	Incident2   int64                `json:"incident2"`
	Type        IncidentRelationType `json:"type"`
	Description string               `json:"description"`
}

// EventType classifies timeline events on an incident.
type EventType string

const (
	EventTypeIncidentStart EventType = "incident_start"
	EventTypeIncidentEnd   EventType = "incident_end"
	EventTypeClose         EventType = "close"
	EventTypeReopen        EventType = "reopen"
	EventTypeAcknowledge   EventType = "acknowledge"
	EventTypeOther         EventType = "other"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeIncidentStart, EventTypeIncidentEnd, EventTypeClose,
		EventTypeReopen, EventTypeAcknowledge, EventTypeOther:
		return true
	}
	return false
}

// Event is an append-only timeline entry on an incident. Events are
// immutable once created; there is deliberately no update path.
type Event struct {
	ID          int64     `json:"pk"`
	Incident    int64     `json:"incident"`
	Actor       User      `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EventType `json:"type"`
	Description string    `json:"description"`
}

// Acknowledgement marks human acceptance of an incident. It is a
// specialization of an acknowledge-typed event; the event is its
// primary key. A nil expiration never lapses.
type Acknowledgement struct {
	Event      Event      `json:"event"`
	Expiration *time.Time `json:"expiration"`
}

// ActiveAt reports whether the acknowledgement still counts at now.
func (a *Acknowledgement) ActiveAt(now time.Time) bool {
	return a.Expiration == nil || a.Expiration.After(now)
}

// ValidateAcknowledgement checks the domain rules for a new
// acknowledgement: the event must be acknowledge-typed and a present
// expiration must be strictly after the event timestamp.
func ValidateAcknowledgement(ev Event, expiration *time.Time) error {
	if ev.Type != EventTypeAcknowledge {
		return NewValidationError("event.type", fmt.Sprintf(
			"%q is not a valid event type for acknowledgements; use %q or omit the type",
			ev.Type, EventTypeAcknowledge))
	}
	if expiration != nil && !expiration.After(ev.Timestamp) {
		return NewValidationError("expiration", "must be after event.timestamp")
	}
	return nil
}
