package incidentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hmpf/argus/internal/incident"
)

// tagPayload accepts either the canonical {"tag": "key=value"} form or
// the split {"key": ..., "value": ...} form.
type tagPayload struct {
	Tag   string `json:"tag"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (p tagPayload) canonical() string {
	if p.Tag != "" {
		return p.Tag
	}
	return incident.JoinTag(p.Key, p.Value)
}

type incidentPayload struct {
	StartTime        time.Time        `json:"start_time"`
	EndTime          incident.EndTime `json:"end_time"`
	SourceIncidentID string           `json:"source_incident_id"`
	DetailsURL       string           `json:"details_url"`
	Description      string           `json:"description"`
	TicketURL        string           `json:"ticket_url"`
	Tags             []tagPayload     `json:"tags"`
}

type sourceRepr struct {
	PK   int64  `json:"pk"`
	Name string `json:"name"`
	Type string `json:"type"`
	User int64  `json:"user"`
}

type incidentRepr struct {
	PK               int64            `json:"pk"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          incident.EndTime `json:"end_time"`
	Source           sourceRepr       `json:"source"`
	SourceIncidentID string           `json:"source_incident_id"`
	DetailsURL       string           `json:"details_url"`
	Description      string           `json:"description"`
	TicketURL        string           `json:"ticket_url"`
	Tags             []string         `json:"tags"`
	Stateful         bool             `json:"stateful"`
	Active           bool             `json:"active"`
	Acked            bool             `json:"acked"`
}

type eventRepr struct {
	PK          int64     `json:"pk"`
	Incident    int64     `json:"incident"`
	Actor       string    `json:"actor"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
}

type ackRepr struct {
	Event      eventRepr  `json:"event"`
	Expiration *time.Time `json:"expiration"`
}

type eventPayload struct {
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
}

type ackPayload struct {
	Event      eventPayload `json:"event"`
	Expiration *time.Time   `json:"expiration"`
}

func sourceToRepr(s incident.SourceSystem) sourceRepr {
	return sourceRepr{PK: s.ID, Name: s.Name, Type: s.Type.Name, User: s.UserID}
}

func eventToRepr(ev incident.Event) eventRepr {
	return eventRepr{
		PK:          ev.ID,
		Incident:    ev.Incident,
		Actor:       ev.Actor.Username,
		Timestamp:   ev.Timestamp,
		Type:        string(ev.Type),
		Description: ev.Description,
	}
}

func ackToRepr(a incident.Acknowledgement) ackRepr {
	return ackRepr{Event: eventToRepr(a.Event), Expiration: a.Expiration}
}

// incidentToRepr builds the full serialized incident, including the tag
// set and the derived stateful/active/acked fields.
func (a *API) incidentToRepr(ctx context.Context, inc *incident.Incident) (incidentRepr, error) {
	relations, err := a.svc.Tags(ctx, inc.ID)
	if err != nil {
		return incidentRepr{}, fmt.Errorf("load tags for incident %d: %w", inc.ID, err)
	}
	tags := make([]string, 0, len(relations))
	for _, rel := range relations {
		tags = append(tags, rel.Tag.String())
	}

	acked, err := a.svc.Acked(ctx, inc.ID)
	if err != nil {
		return incidentRepr{}, fmt.Errorf("load acked for incident %d: %w", inc.ID, err)
	}

	return incidentRepr{
		PK:               inc.ID,
		StartTime:        inc.StartTime,
		EndTime:          inc.EndTime,
		Source:           sourceToRepr(inc.Source),
		SourceIncidentID: inc.SourceIncidentID,
		DetailsURL:       inc.DetailsURL,
		Description:      inc.Description,
		TicketURL:        inc.TicketURL,
		Tags:             tags,
		Stateful:         inc.Stateful(),
		Active:           inc.Active(a.svc.Now()),
		Acked:            acked,
	}, nil
}

func (a *API) incidentsToRepr(ctx context.Context, incs []incident.Incident) ([]incidentRepr, error) {
	out := make([]incidentRepr, 0, len(incs))
	for i := range incs {
		repr, err := a.incidentToRepr(ctx, &incs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, repr)
	}
	return out, nil
}

// mutable fields on the PATCH path. Everything else that exists on the
// serialized incident is immutable over this endpoint.
var patchableFields = map[string]bool{
	"tags":        true,
	"details_url": true,
	"ticket_url":  true,
}

// fields that exist on the serialized incident but may not be changed.
var immutableFields = map[string]bool{
	"pk":                 true,
	"start_time":         true,
	"end_time":           true,
	"source":             true,
	"source_incident_id": true,
	"description":        true,
	"stateful":           true,
	"active":             true,
	"acked":              true,
}

// decodePartialUpdate decodes a PATCH body, building a per-field error
// map that distinguishes immutable fields from nonexistent ones.
func decodePartialUpdate(body []byte) (incident.PartialUpdate, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return incident.PartialUpdate{}, incident.NewValidationError("body", "invalid JSON payload")
	}

	verr := &incident.ValidationError{}
	for field := range raw {
		if patchableFields[field] {
			continue
		}
		if immutableFields[field] {
			verr.Add(field, "The field is not allowed to be changed.")
		} else {
			verr.Add(field, "The field does not exist.")
		}
	}
	if !verr.Empty() {
		return incident.PartialUpdate{}, verr
	}

	var up incident.PartialUpdate
	if rawTags, ok := raw["tags"]; ok {
		var tags []tagPayload
		if err := json.Unmarshal(rawTags, &tags); err != nil {
			return incident.PartialUpdate{}, incident.NewValidationError("tags", "expected a list of tags")
		}
		up.HasTags = true
		up.Tags = make([]string, 0, len(tags))
		for _, t := range tags {
			up.Tags = append(up.Tags, t.canonical())
		}
	}
	for _, field := range []string{"details_url", "ticket_url"} {
		rawVal, ok := raw[field]
		if !ok {
			continue
		}
		var val string
		if err := json.Unmarshal(rawVal, &val); err != nil {
			verr.Add(field, "expected a string")
			continue
		}
		if field == "details_url" {
			up.DetailsURL = &val
		} else {
			up.TicketURL = &val
		}
	}
	if !verr.Empty() {
		return incident.PartialUpdate{}, verr
	}
	return up, nil
}
