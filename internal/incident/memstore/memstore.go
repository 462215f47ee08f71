// Package memstore provides an in-memory implementation of
// incident.Store. Suitable for dev/testing.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hmpf/argus/internal/incident"
)

// Store holds all incident-domain state in memory. A single mutex
// guards every operation, which also serializes tag reconciliation per
// the Store contract.
type Store struct {
	mu sync.Mutex

	users     map[string]incident.User // token -> user
	types     map[string]incident.SourceSystemType
	sources   []incident.SourceSystem
	incidents map[int64]*incident.Incident
	tagRels   map[int64][]incident.TagRelation // incident ID -> relations
	events    map[int64][]incident.Event       // incident ID -> timeline
	acks      map[int64]incident.Acknowledgement
	relTypes  map[string]incident.IncidentRelationType
	incRels   []incident.IncidentRelation

	nextUserID   int64
	nextSourceID int64
	nextIncID    int64
	nextRelID    int64
	nextEventID  int64
	nextIncRelID int64
	nextTypeID   int64
}

var _ incident.Store = (*Store)(nil)

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		users:     make(map[string]incident.User),
		types:     make(map[string]incident.SourceSystemType),
		incidents: make(map[int64]*incident.Incident),
		tagRels:   make(map[int64][]incident.TagRelation),
		events:    make(map[int64][]incident.Event),
		acks:      make(map[int64]incident.Acknowledgement),
		relTypes:  make(map[string]incident.IncidentRelationType),
	}
}

// GetUserByToken resolves an API token to its user.
func (s *Store) GetUserByToken(_ context.Context, token string) (*incident.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return nil, false, nil
	}
	cp := u
	return &cp, true, nil
}

// EnsureUser creates the user behind token if missing and returns it.
func (s *Store) EnsureUser(_ context.Context, username, token string, superuser bool) (*incident.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[token]; ok {
		cp := u
		return &cp, nil
	}
	s.nextUserID++
	u := incident.User{ID: s.nextUserID, Username: username, Superuser: superuser}
	s.users[token] = u
	cp := u
	return &cp, nil
}

// GetOrCreateSourceSystemType interns a source system type by name.
func (s *Store) GetOrCreateSourceSystemType(_ context.Context, st incident.SourceSystemType) (*incident.SourceSystemType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.types[st.Name]; ok {
		cp := existing
		return &cp, nil
	}
	s.types[st.Name] = st
	cp := st
	return &cp, nil
}

// ListSourceSystemTypes lists types ordered by name.
func (s *Store) ListSourceSystemTypes(_ context.Context) ([]incident.SourceSystemType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]incident.SourceSystemType, 0, len(s.types))
	for _, st := range s.types {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetOrCreateSourceSystem interns a source system by (name, type).
func (s *Store) GetOrCreateSourceSystem(_ context.Context, name string, st incident.SourceSystemType, userID int64) (*incident.SourceSystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.Name == name && src.Type.Name == st.Name {
			cp := src
			return &cp, nil
		}
	}
	for _, src := range s.sources {
		if src.UserID == userID {
			return nil, incident.NewValidationError("user", "user already owns a source system")
		}
	}
	if _, ok := s.types[st.Name]; !ok {
		s.types[st.Name] = st
	}
	s.nextSourceID++
	src := incident.SourceSystem{ID: s.nextSourceID, Name: name, Type: st, UserID: userID}
	s.sources = append(s.sources, src)
	cp := src
	return &cp, nil
}

// ListSourceSystems lists all source systems.
func (s *Store) ListSourceSystems(_ context.Context) ([]incident.SourceSystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]incident.SourceSystem, len(s.sources))
	copy(out, s.sources)
	return out, nil
}

// GetSourceSystemByUser finds the source system owned by userID.
func (s *Store) GetSourceSystemByUser(_ context.Context, userID int64) (*incident.SourceSystem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.UserID == userID {
			cp := src
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

// CreateIncident persists the incident and its initial tag relations.
func (s *Store) CreateIncident(_ context.Context, inc *incident.Incident, tags []incident.Tag, actor incident.User, now time.Time) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.incidents {
		if existing.Source.ID == inc.Source.ID && existing.SourceIncidentID == inc.SourceIncidentID {
			return nil, incident.NewValidationError("source_incident_id",
				fmt.Sprintf("an incident with source_incident_id %q already exists for this source", inc.SourceIncidentID))
		}
	}
	s.nextIncID++
	cp := *inc
	cp.ID = s.nextIncID
	s.incidents[cp.ID] = &cp

	seen := make(map[incident.Tag]struct{}, len(tags))
	for _, t := range tags {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		s.nextRelID++
		s.tagRels[cp.ID] = append(s.tagRels[cp.ID], incident.TagRelation{
			ID:        s.nextRelID,
			Tag:       t,
			Incident:  cp.ID,
			AddedBy:   actor,
			AddedTime: now,
		})
	}

	out := cp
	return &out, nil
}

// GetIncident retrieves an incident by ID. Returns a copy.
func (s *Store) GetIncident(_ context.Context, id int64) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := *inc
	return &cp, true, nil
}

// ListIncidents returns incidents matching the filter, newest first.
func (s *Store) ListIncidents(_ context.Context, f incident.IncidentFilter, now time.Time) ([]incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []incident.Incident
	for _, inc := range s.incidents {
		if f.SourceID != 0 && inc.Source.ID != f.SourceID {
			continue
		}
		if f.Stateful != nil && inc.Stateful() != *f.Stateful {
			continue
		}
		if f.Active != nil && inc.Active(now) != *f.Active {
			continue
		}
		if f.Acked != nil && s.hasActiveAckLocked(inc.ID, now) != *f.Acked {
			continue
		}
		out = append(out, *inc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// SaveEndTime persists a lifecycle transition.
func (s *Store) SaveEndTime(_ context.Context, id int64, end incident.EndTime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("incident %d not found", id)
	}
	inc.EndTime = end
	return nil
}

// ApplyUpdate applies a partial update atomically under the store lock.
func (s *Store) ApplyUpdate(_ context.Context, incidentID int64, up incident.Update, actor incident.User, now time.Time) ([]incident.TagRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return nil, fmt.Errorf("incident %d not found", incidentID)
	}

	relations := s.tagRels[incidentID]
	if up.HasTags {
		diff, err := incident.DiffTags(relations, up.Tags, actor)
		if err != nil {
			return nil, err
		}
		removed := make(map[int64]struct{}, len(diff.Remove))
		for _, rel := range diff.Remove {
			removed[rel.ID] = struct{}{}
		}
		kept := relations[:0:0]
		for _, rel := range relations {
			if _, gone := removed[rel.ID]; !gone {
				kept = append(kept, rel)
			}
		}
		for _, t := range diff.Add {
			s.nextRelID++
			kept = append(kept, incident.TagRelation{
				ID:        s.nextRelID,
				Tag:       t,
				Incident:  incidentID,
				AddedBy:   actor,
				AddedTime: now,
			})
		}
		s.tagRels[incidentID] = kept
		relations = kept
	}

	if up.DetailsURL != nil {
		inc.DetailsURL = *up.DetailsURL
	}
	if up.TicketURL != nil {
		inc.TicketURL = *up.TicketURL
	}

	out := make([]incident.TagRelation, len(relations))
	copy(out, relations)
	return out, nil
}

// TagRelations returns the incident's tag relations.
func (s *Store) TagRelations(_ context.Context, incidentID int64) ([]incident.TagRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rels := s.tagRels[incidentID]
	out := make([]incident.TagRelation, len(rels))
	copy(out, rels)
	return out, nil
}

// AppendEvent adds a timeline entry.
func (s *Store) AppendEvent(_ context.Context, ev *incident.Event) (*incident.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEventLocked(ev)
}

func (s *Store) appendEventLocked(ev *incident.Event) (*incident.Event, error) {
	if _, ok := s.incidents[ev.Incident]; !ok {
		return nil, fmt.Errorf("incident %d not found", ev.Incident)
	}
	s.nextEventID++
	cp := *ev
	cp.ID = s.nextEventID
	s.events[cp.Incident] = append(s.events[cp.Incident], cp)
	out := cp
	return &out, nil
}

// GetEvent retrieves one event scoped to an incident.
func (s *Store) GetEvent(_ context.Context, incidentID, eventID int64) (*incident.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events[incidentID] {
		if ev.ID == eventID {
			cp := ev
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

// ListEvents returns the incident's timeline ordered by timestamp.
func (s *Store) ListEvents(_ context.Context, incidentID int64) ([]incident.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[incidentID]
	out := make([]incident.Event, len(evs))
	copy(out, evs)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateAcknowledgement persists the event and the acknowledgement
// referencing it under one lock acquisition.
func (s *Store) CreateAcknowledgement(_ context.Context, ev *incident.Event, expiration *time.Time) (*incident.Acknowledgement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := s.appendEventLocked(ev)
	if err != nil {
		return nil, err
	}
	ack := incident.Acknowledgement{Event: *created}
	if expiration != nil {
		exp := *expiration
		ack.Expiration = &exp
	}
	s.acks[created.ID] = ack
	out := ack
	return &out, nil
}

// GetAcknowledgement retrieves one acknowledgement scoped to an incident.
func (s *Store) GetAcknowledgement(_ context.Context, incidentID, eventID int64) (*incident.Acknowledgement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ack, ok := s.acks[eventID]
	if !ok || ack.Event.Incident != incidentID {
		return nil, false, nil
	}
	cp := ack
	return &cp, true, nil
}

// ListAcknowledgements returns the incident's acknowledgements ordered
// by event timestamp.
func (s *Store) ListAcknowledgements(_ context.Context, incidentID int64) ([]incident.Acknowledgement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []incident.Acknowledgement
	for _, ack := range s.acks {
		if ack.Event.Incident == incidentID {
			out = append(out, ack)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event.ID < out[j].Event.ID })
	return out, nil
}

// HasActiveAck reports whether any acknowledgement on the incident is
// unexpired as of now.
func (s *Store) HasActiveAck(_ context.Context, incidentID int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasActiveAckLocked(incidentID, now), nil
}

func (s *Store) hasActiveAckLocked(incidentID int64, now time.Time) bool {
	for _, ack := range s.acks {
		if ack.Event.Incident == incidentID && ack.ActiveAt(now) {
			return true
		}
	}
	return false
}

// CreateIncidentRelation links two incidents, interning the relation
// type by name.
func (s *Store) CreateIncidentRelation(_ context.Context, rel *incident.IncidentRelation) (*incident.IncidentRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[rel.Incident1]; !ok {
		return nil, fmt.Errorf("incident %d not found", rel.Incident1)
	}
	if _, ok := s.incidents[rel.Incident2]; !ok {
		return nil, fmt.Errorf("incident %d not found", rel.Incident2)
	}
	rt, ok := s.relTypes[rel.Type.Name]
	if !ok {
		s.nextTypeID++
		rt = incident.IncidentRelationType{ID: s.nextTypeID, Name: rel.Type.Name}
		s.relTypes[rt.Name] = rt
	}
	s.nextIncRelID++
	cp := *rel
	cp.ID = s.nextIncRelID
	cp.Type = rt
	s.incRels = append(s.incRels, cp)
	out := cp
	return &out, nil
}

// ListIncidentRelations returns relations with the incident in either
// position.
func (s *Store) ListIncidentRelations(_ context.Context, incidentID int64) ([]incident.IncidentRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []incident.IncidentRelation
	for _, rel := range s.incRels {
		if rel.Incident1 == incidentID || rel.Incident2 == incidentID {
			out = append(out, rel)
		}
	}
	return out, nil
}
