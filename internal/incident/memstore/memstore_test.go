package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hmpf/argus/internal/incident"
)

func seedSource(t *testing.T, s *Store) (incident.SourceSystem, incident.User) {
	t.Helper()
	ctx := context.Background()
	u, err := s.EnsureUser(ctx, "nav1", "token-nav1", false)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	st, err := incident.NewSourceSystemType("nav")
	if err != nil {
		t.Fatalf("NewSourceSystemType: %v", err)
	}
	src, err := s.GetOrCreateSourceSystem(ctx, "nav1", st, u.ID)
	if err != nil {
		t.Fatalf("GetOrCreateSourceSystem: %v", err)
	}
	return *src, *u
}

func seedIncident(t *testing.T, s *Store, src incident.SourceSystem, actor incident.User, ref string, end incident.EndTime) *incident.Incident {
	t.Helper()
	inc, err := s.CreateIncident(context.Background(), &incident.Incident{
		StartTime:        time.Now().Add(-time.Hour),
		EndTime:          end,
		Source:           src,
		SourceIncidentID: ref,
	}, nil, actor, time.Now())
	if err != nil {
		t.Fatalf("CreateIncident(%s): %v", ref, err)
	}
	return inc
}

func TestEnsureUserIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	u1, err := s.EnsureUser(ctx, "admin", "tok", true)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	u2, err := s.EnsureUser(ctx, "admin", "tok", true)
	if err != nil {
		t.Fatalf("second EnsureUser: %v", err)
	}
	if u1.ID != u2.ID {
		t.Errorf("IDs differ: %d vs %d", u1.ID, u2.ID)
	}

	got, ok, err := s.GetUserByToken(ctx, "tok")
	if err != nil || !ok {
		t.Fatalf("GetUserByToken: ok=%v err=%v", ok, err)
	}
	if got.ID != u1.ID || !got.Superuser {
		t.Errorf("user = %+v, want id=%d superuser", got, u1.ID)
	}

	if _, ok, _ := s.GetUserByToken(ctx, "unknown"); ok {
		t.Error("unknown token resolved")
	}
}

func TestOneSourcePerUser(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	src, user := seedSource(t, s)

	// Same (name, type) returns the existing source.
	again, err := s.GetOrCreateSourceSystem(ctx, src.Name, src.Type, user.ID)
	if err != nil {
		t.Fatalf("GetOrCreateSourceSystem again: %v", err)
	}
	if again.ID != src.ID {
		t.Errorf("IDs differ: %d vs %d", again.ID, src.ID)
	}

	// A user owns at most one source system.
	st, _ := incident.NewSourceSystemType("zabbix")
	_, err = s.GetOrCreateSourceSystem(ctx, "other", st, user.ID)
	if _, ok := incident.AsValidationError(err); !ok {
		t.Errorf("second source for user: err = %v, want *ValidationError", err)
	}

	found, ok, err := s.GetSourceSystemByUser(ctx, user.ID)
	if err != nil || !ok || found.ID != src.ID {
		t.Errorf("GetSourceSystemByUser = (%+v, %v, %v), want source %d", found, ok, err, src.ID)
	}
}

func TestCreateIncidentDuplicate(t *testing.T) {
	t.Parallel()

	s := New()
	src, user := seedSource(t, s)
	seedIncident(t, s, src, user, "ref-1", incident.EndTimeOpen())

	_, err := s.CreateIncident(context.Background(), &incident.Incident{
		StartTime:        time.Now(),
		Source:           src,
		SourceIncidentID: "ref-1",
	}, nil, user, time.Now())
	if _, ok := incident.AsValidationError(err); !ok {
		t.Errorf("duplicate source ref: err = %v, want *ValidationError", err)
	}
}

func TestListIncidentsFilters(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	src, user := seedSource(t, s)
	now := time.Now()

	stateless := seedIncident(t, s, src, user, "stateless", incident.EndTimeUnset())
	open := seedIncident(t, s, src, user, "open", incident.EndTimeOpen())
	closed := seedIncident(t, s, src, user, "closed", incident.EndTimeAt(now.Add(-time.Minute)))

	// Acknowledge the open incident.
	_, err := s.CreateAcknowledgement(ctx, &incident.Event{
		Incident:  open.ID,
		Actor:     user,
		Timestamp: now,
		Type:      incident.EventTypeAcknowledge,
	}, nil)
	if err != nil {
		t.Fatalf("CreateAcknowledgement: %v", err)
	}

	boolp := func(b bool) *bool { return &b }

	tests := []struct {
		name   string
		filter incident.IncidentFilter
		want   []int64
	}{
		{"all", incident.IncidentFilter{}, []int64{stateless.ID, open.ID, closed.ID}},
		{"stateful", incident.IncidentFilter{Stateful: boolp(true)}, []int64{open.ID, closed.ID}},
		{"stateless", incident.IncidentFilter{Stateful: boolp(false)}, []int64{stateless.ID}},
		{"active", incident.IncidentFilter{Active: boolp(true)}, []int64{open.ID}},
		{"inactive", incident.IncidentFilter{Active: boolp(false)}, []int64{stateless.ID, closed.ID}},
		{"acked", incident.IncidentFilter{Acked: boolp(true)}, []int64{open.ID}},
		{"active unacked", incident.IncidentFilter{Active: boolp(true), Acked: boolp(false)}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.ListIncidents(ctx, tc.filter, now)
			if err != nil {
				t.Fatalf("ListIncidents: %v", err)
			}
			ids := make(map[int64]bool, len(got))
			for _, inc := range got {
				ids[inc.ID] = true
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d incidents %v, want %d", len(got), ids, len(tc.want))
			}
			for _, id := range tc.want {
				if !ids[id] {
					t.Errorf("missing incident %d in %v", id, ids)
				}
			}
		})
	}
}

func TestApplyUpdateAtomic(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	src, reporter := seedSource(t, s)
	operator, err := s.EnsureUser(ctx, "operator", "token-op", false)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	inc, err := s.CreateIncident(ctx, &incident.Incident{
		StartTime:        time.Now(),
		EndTime:          incident.EndTimeOpen(),
		Source:           src,
		SourceIncidentID: "upd-1",
	}, []incident.Tag{{Key: "a", Value: "1"}}, reporter, time.Now())
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}

	// A denied removal applies nothing, including the URL change.
	details := "https://example.org/x"
	_, err = s.ApplyUpdate(ctx, inc.ID, incident.Update{
		Tags:       []incident.Tag{{Key: "b", Value: "2"}},
		HasTags:    true,
		DetailsURL: &details,
	}, *operator, time.Now())
	if _, ok := incident.AsValidationError(err); !ok {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	got, _, _ := s.GetIncident(ctx, inc.ID)
	if got.DetailsURL != "" {
		t.Error("denied update changed details_url")
	}
	rels, _ := s.TagRelations(ctx, inc.ID)
	if len(rels) != 1 || rels[0].Tag.Key != "a" {
		t.Errorf("denied update changed tags: %+v", rels)
	}

	// The reporter replaces the set and updates the URL in one call.
	rels, err = s.ApplyUpdate(ctx, inc.ID, incident.Update{
		Tags:       []incident.Tag{{Key: "b", Value: "2"}},
		HasTags:    true,
		DetailsURL: &details,
	}, reporter, time.Now())
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if len(rels) != 1 || rels[0].Tag.Key != "b" {
		t.Errorf("relations = %+v, want only b=2", rels)
	}
	got, _, _ = s.GetIncident(ctx, inc.ID)
	if got.DetailsURL != details {
		t.Errorf("DetailsURL = %q, want %q", got.DetailsURL, details)
	}
}

func TestApplyUpdateConcurrent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	src, reporter := seedSource(t, s)
	inc := seedIncident(t, s, src, reporter, "conc-1", incident.EndTimeOpen())

	// Concurrent reconciliations each submit the full current set plus
	// their own tag. Serialization means every tag survives.
	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rels, err := s.TagRelations(ctx, inc.ID)
			if err != nil {
				t.Errorf("TagRelations: %v", err)
				return
			}
			tags := make([]incident.Tag, 0, len(rels)+1)
			for _, rel := range rels {
				tags = append(tags, rel.Tag)
			}
			tags = append(tags, incident.Tag{Key: "worker", Value: fmt.Sprint(i)})
			// Resubmit everything seen plus our own tag. Another
			// worker's tag added after our read stays because only
			// omitted tags we ourselves added could be removed, and
			// workers never omit their own tag.
			for j := 0; j < n; j++ {
				tags = append(tags, incident.Tag{Key: "worker", Value: fmt.Sprint(j)})
			}
			if _, err := s.ApplyUpdate(ctx, inc.ID, incident.Update{Tags: tags, HasTags: true}, reporter, time.Now()); err != nil {
				t.Errorf("ApplyUpdate: %v", err)
			}
		}(i)
	}
	wg.Wait()

	rels, err := s.TagRelations(ctx, inc.ID)
	if err != nil {
		t.Fatalf("TagRelations: %v", err)
	}
	if len(rels) != n {
		t.Errorf("relations = %d, want %d", len(rels), n)
	}
}

func TestEventsScopedToIncident(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	src, user := seedSource(t, s)
	a := seedIncident(t, s, src, user, "ev-a", incident.EndTimeOpen())
	b := seedIncident(t, s, src, user, "ev-b", incident.EndTimeOpen())

	ev, err := s.AppendEvent(ctx, &incident.Event{
		Incident:  a.ID,
		Actor:     user,
		Timestamp: time.Now(),
		Type:      incident.EventTypeOther,
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	if _, ok, _ := s.GetEvent(ctx, a.ID, ev.ID); !ok {
		t.Error("event not found under its incident")
	}
	if _, ok, _ := s.GetEvent(ctx, b.ID, ev.ID); ok {
		t.Error("event visible under the wrong incident")
	}

	if _, err := s.AppendEvent(ctx, &incident.Event{Incident: 9999}); err == nil {
		t.Error("event for missing incident accepted")
	}
}

func TestAcknowledgements(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	src, user := seedSource(t, s)
	inc := seedIncident(t, s, src, user, "ack-1", incident.EndTimeOpen())
	now := time.Now()

	expiration := now.Add(time.Hour)
	ack, err := s.CreateAcknowledgement(ctx, &incident.Event{
		Incident:  inc.ID,
		Actor:     user,
		Timestamp: now,
		Type:      incident.EventTypeAcknowledge,
	}, &expiration)
	if err != nil {
		t.Fatalf("CreateAcknowledgement: %v", err)
	}
	if ack.Event.ID == 0 {
		t.Fatal("ack event not assigned an ID")
	}

	// The event and the ack share one identity.
	if _, ok, _ := s.GetEvent(ctx, inc.ID, ack.Event.ID); !ok {
		t.Error("ack event missing from the timeline")
	}
	got, ok, err := s.GetAcknowledgement(ctx, inc.ID, ack.Event.ID)
	if err != nil || !ok {
		t.Fatalf("GetAcknowledgement: ok=%v err=%v", ok, err)
	}
	if got.Expiration == nil || !got.Expiration.Equal(expiration) {
		t.Errorf("expiration = %v, want %v", got.Expiration, expiration)
	}

	if acked, _ := s.HasActiveAck(ctx, inc.ID, now); !acked {
		t.Error("unexpired ack not active")
	}
	if acked, _ := s.HasActiveAck(ctx, inc.ID, expiration.Add(time.Minute)); acked {
		t.Error("expired ack still active")
	}

	// Ack for a missing incident creates nothing.
	if _, err := s.CreateAcknowledgement(ctx, &incident.Event{Incident: 9999}, nil); err == nil {
		t.Error("ack for missing incident accepted")
	}
}

func TestIncidentRelations(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	src, user := seedSource(t, s)
	a := seedIncident(t, s, src, user, "rel-a", incident.EndTimeOpen())
	b := seedIncident(t, s, src, user, "rel-b", incident.EndTimeOpen())

	rel, err := s.CreateIncidentRelation(ctx, &incident.IncidentRelation{
		Incident1: a.ID,
		Incident2: b.ID,
		Type:      incident.IncidentRelationType{Name: "duplicate of"},
	})
	if err != nil {
		t.Fatalf("CreateIncidentRelation: %v", err)
	}
	if rel.Type.ID == 0 {
		t.Error("relation type not interned")
	}

	for _, id := range []int64{a.ID, b.ID} {
		list, err := s.ListIncidentRelations(ctx, id)
		if err != nil || len(list) != 1 {
			t.Errorf("ListIncidentRelations(%d) = (%v, %v), want 1 entry", id, list, err)
		}
	}

	// Interning reuses the type row.
	rel2, err := s.CreateIncidentRelation(ctx, &incident.IncidentRelation{
		Incident1: b.ID,
		Incident2: a.ID,
		Type:      incident.IncidentRelationType{Name: "duplicate of"},
	})
	if err != nil {
		t.Fatalf("second CreateIncidentRelation: %v", err)
	}
	if rel2.Type.ID != rel.Type.ID {
		t.Errorf("type interned twice: %d vs %d", rel2.Type.ID, rel.Type.ID)
	}
}

func TestSourceSystemTypes(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	for _, name := range []string{"nav", "zabbix", "nav"} {
		st, err := incident.NewSourceSystemType(name)
		if err != nil {
			t.Fatalf("NewSourceSystemType(%q): %v", name, err)
		}
		if _, err := s.GetOrCreateSourceSystemType(ctx, st); err != nil {
			t.Fatalf("GetOrCreateSourceSystemType(%q): %v", name, err)
		}
	}

	types, err := s.ListSourceSystemTypes(ctx)
	if err != nil {
		t.Fatalf("ListSourceSystemTypes: %v", err)
	}
	if len(types) != 2 {
		t.Fatalf("types = %v, want 2", types)
	}
	if types[0].Name != "nav" || types[1].Name != "zabbix" {
		t.Errorf("types = %v, want ordered [nav zabbix]", types)
	}
}
