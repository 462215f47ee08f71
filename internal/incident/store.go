package incident

import (
	"context"
	"time"
)

// IncidentFilter narrows ListIncidents. Nil pointer fields are
// "don't care".
type IncidentFilter struct {
	Stateful *bool
	Active   *bool
	Acked    *bool
	SourceID int64
}

// Update is a partial update to an incident. Tags is the full desired
// tag set and is only reconciled when HasTags is set; nil URL fields
// are left unchanged.
type Update struct {
	Tags       []Tag
	HasTags    bool
	DetailsURL *string
	TicketURL  *string
}

// Store is the persistence interface for the incident domain. Every
// mutating method is atomic: either all of its writes land or none do.
// Implementations must serialize ReconcileTags calls for the same
// incident, since the diff reads current state before writing.
type Store interface {
	// GetUserByToken resolves an API token to its user.
	GetUserByToken(ctx context.Context, token string) (*User, bool, error)
	// EnsureUser creates the user for token if it does not exist yet
	// and returns it either way. Used to seed bootstrap identities.
	EnsureUser(ctx context.Context, username, token string, superuser bool) (*User, error)

	GetOrCreateSourceSystemType(ctx context.Context, st SourceSystemType) (*SourceSystemType, error)
	ListSourceSystemTypes(ctx context.Context) ([]SourceSystemType, error)
	// GetOrCreateSourceSystem interns a source system by (name, type) and
	// binds it to its owning user.
	GetOrCreateSourceSystem(ctx context.Context, name string, st SourceSystemType, userID int64) (*SourceSystem, error)
	ListSourceSystems(ctx context.Context) ([]SourceSystem, error)
	// GetSourceSystemByUser finds the source system a user authenticates
	// for, if any.
	GetSourceSystemByUser(ctx context.Context, userID int64) (*SourceSystem, bool, error)

	// CreateIncident persists the incident and its initial tag
	// relations (added by actor at now) in one transaction. A duplicate
	// (source_incident_id, source) pair fails with a ValidationError.
	CreateIncident(ctx context.Context, inc *Incident, tags []Tag, actor User, now time.Time) (*Incident, error)
	GetIncident(ctx context.Context, id int64) (*Incident, bool, error)
	ListIncidents(ctx context.Context, f IncidentFilter, now time.Time) ([]Incident, error)
	// SaveEndTime persists a lifecycle transition already applied to the
	// domain object.
	SaveEndTime(ctx context.Context, id int64, end EndTime) error
	// ApplyUpdate applies a partial update in one transaction. When
	// up.HasTags is set the tag diff (DiffTags) and its application run
	// inside the same critical section, so concurrent reconciliations
	// for one incident cannot lose updates. Returns the resulting
	// relations; nothing is committed if any step fails.
	ApplyUpdate(ctx context.Context, incidentID int64, up Update, actor User, now time.Time) ([]TagRelation, error)

	TagRelations(ctx context.Context, incidentID int64) ([]TagRelation, error)

	// AppendEvent adds a timeline entry. There is no update counterpart:
	// events are immutable.
	AppendEvent(ctx context.Context, ev *Event) (*Event, error)
	GetEvent(ctx context.Context, incidentID, eventID int64) (*Event, bool, error)
	ListEvents(ctx context.Context, incidentID int64) ([]Event, error)

	// CreateAcknowledgement persists the event and the acknowledgement
	// referencing it in one transaction; an acknowledgement never exists
	// without its event.
	CreateAcknowledgement(ctx context.Context, ev *Event, expiration *time.Time) (*Acknowledgement, error)
	GetAcknowledgement(ctx context.Context, incidentID, eventID int64) (*Acknowledgement, bool, error)
	ListAcknowledgements(ctx context.Context, incidentID int64) ([]Acknowledgement, error)
	// HasActiveAck reports whether any acknowledgement on the incident
	// is unexpired as of now.
	HasActiveAck(ctx context.Context, incidentID int64, now time.Time) (bool, error)

	CreateIncidentRelation(ctx context.Context, rel *IncidentRelation) (*IncidentRelation, error)
	// ListIncidentRelations returns relations where the incident appears
	// in either position.
	ListIncidentRelations(ctx context.Context, incidentID int64) ([]IncidentRelation, error)
}
