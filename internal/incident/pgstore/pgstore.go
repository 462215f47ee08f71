// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hmpf/argus/internal/incident"
)

var tracer = otel.Tracer("github.com/hmpf/argus/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incident records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ incident.Store = (*Store)(nil)

// New applies the schema on the given pool and returns a ready Store.
// The pool stays owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// endTimeToPg maps the domain end time onto a timestamptz, using the
// native infinity modifier for open-ended incidents.
func endTimeToPg(e incident.EndTime) pgtype.Timestamptz {
	switch {
	case !e.IsSet():
		return pgtype.Timestamptz{}
	case e.OpenEnded():
		return pgtype.Timestamptz{InfinityModifier: pgtype.Infinity, Valid: true}
	default:
		t, _ := e.Time()
		return pgtype.Timestamptz{Time: t, Valid: true}
	}
}

func endTimeFromPg(ts pgtype.Timestamptz) incident.EndTime {
	switch {
	case !ts.Valid:
		return incident.EndTimeUnset()
	case ts.InfinityModifier == pgtype.Infinity:
		return incident.EndTimeOpen()
	default:
		return incident.EndTimeAt(ts.Time)
	}
}

// GetUserByToken resolves an API token to its user.
func (s *Store) GetUserByToken(ctx context.Context, token string) (*incident.User, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetUserByToken", "SELECT")
	defer span.End()

	var u incident.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, superuser FROM users WHERE token = $1`, token,
	).Scan(&u.ID, &u.Username, &u.Superuser)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, spanErr(span, fmt.Errorf("get user: %w", err))
	}
	return &u, true, nil
}

// EnsureUser creates the user behind token if missing and returns it.
func (s *Store) EnsureUser(ctx context.Context, username, token string, superuser bool) (*incident.User, error) {
	ctx, span := startSpan(ctx, "pgstore.EnsureUser", "UPSERT")
	defer span.End()

	var u incident.User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, token, superuser) VALUES ($1, $2, $3)
		 ON CONFLICT (token) DO UPDATE SET token = EXCLUDED.token
		 RETURNING id, username, superuser`,
		username, token, superuser,
	).Scan(&u.ID, &u.Username, &u.Superuser)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("ensure user: %w", err))
	}
	return &u, nil
}

// GetOrCreateSourceSystemType interns a source system type by name.
func (s *Store) GetOrCreateSourceSystemType(ctx context.Context, st incident.SourceSystemType) (*incident.SourceSystemType, error) {
	ctx, span := startSpan(ctx, "pgstore.GetOrCreateSourceSystemType", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_system_types (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		st.Name,
	)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("ensure source system type: %w", err))
	}
	out := st
	return &out, nil
}

// ListSourceSystemTypes lists types ordered by name.
func (s *Store) ListSourceSystemTypes(ctx context.Context) ([]incident.SourceSystemType, error) {
	ctx, span := startSpan(ctx, "pgstore.ListSourceSystemTypes", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT name FROM source_system_types ORDER BY name`)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query source system types: %w", err))
	}
	defer rows.Close()

	var out []incident.SourceSystemType
	for rows.Next() {
		var st incident.SourceSystemType
		if err := rows.Scan(&st.Name); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan source system type: %w", err))
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate source system types: %w", err))
	}
	return out, nil
}

// GetOrCreateSourceSystem interns a source system by (name, type).
func (s *Store) GetOrCreateSourceSystem(ctx context.Context, name string, st incident.SourceSystemType, userID int64) (*incident.SourceSystem, error) {
	ctx, span := startSpan(ctx, "pgstore.GetOrCreateSourceSystem", "UPSERT")
	defer span.End()

	src := incident.SourceSystem{Name: name, Type: st, UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id FROM source_systems WHERE name = $1 AND type_name = $2`,
		name, st.Name,
	).Scan(&src.ID, &src.UserID)
	if err == nil {
		return &src, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, spanErr(span, fmt.Errorf("get source system: %w", err))
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO source_system_types (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		st.Name,
	); err != nil {
		return nil, spanErr(span, fmt.Errorf("ensure source system type: %w", err))
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO source_systems (name, type_name, user_id) VALUES ($1, $2, $3) RETURNING id`,
		name, st.Name, userID,
	).Scan(&src.ID)
	if isUniqueViolation(err) {
		return nil, incident.NewValidationError("user", "user already owns a source system")
	}
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("insert source system: %w", err))
	}
	return &src, nil
}

// ListSourceSystems lists all source systems.
func (s *Store) ListSourceSystems(ctx context.Context) ([]incident.SourceSystem, error) {
	ctx, span := startSpan(ctx, "pgstore.ListSourceSystems", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, type_name, user_id FROM source_systems ORDER BY id`)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query source systems: %w", err))
	}
	defer rows.Close()

	var out []incident.SourceSystem
	for rows.Next() {
		var src incident.SourceSystem
		if err := rows.Scan(&src.ID, &src.Name, &src.Type.Name, &src.UserID); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan source system: %w", err))
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate source systems: %w", err))
	}
	return out, nil
}

// GetSourceSystemByUser finds the source system owned by userID.
func (s *Store) GetSourceSystemByUser(ctx context.Context, userID int64) (*incident.SourceSystem, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetSourceSystemByUser", "SELECT")
	defer span.End()

	var src incident.SourceSystem
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, type_name, user_id FROM source_systems WHERE user_id = $1`, userID,
	).Scan(&src.ID, &src.Name, &src.Type.Name, &src.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, spanErr(span, fmt.Errorf("get source system by user: %w", err))
	}
	return &src, true, nil
}

const incidentColumns = `i.id, i.start_time, i.end_time, i.source_incident_id,
	i.details_url, i.description, i.ticket_url,
	s.id, s.name, s.type_name, s.user_id`

const incidentFrom = ` FROM incidents i JOIN source_systems s ON s.id = i.source_id`

func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc incident.Incident
		end pgtype.Timestamptz
	)
	err := row.Scan(
		&inc.ID, &inc.StartTime, &end, &inc.SourceIncidentID,
		&inc.DetailsURL, &inc.Description, &inc.TicketURL,
		&inc.Source.ID, &inc.Source.Name, &inc.Source.Type.Name, &inc.Source.UserID,
	)
	if err != nil {
		return nil, err
	}
	inc.EndTime = endTimeFromPg(end)
	return &inc, nil
}

// CreateIncident persists the incident and its initial tag relations in
// one transaction.
func (s *Store) CreateIncident(ctx context.Context, inc *incident.Incident, tags []incident.Tag, actor incident.User, now time.Time) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.CreateIncident", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	created := *inc
	err = tx.QueryRow(ctx,
		`INSERT INTO incidents (start_time, end_time, source_id, source_incident_id, details_url, description, ticket_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		inc.StartTime, endTimeToPg(inc.EndTime), inc.Source.ID, inc.SourceIncidentID,
		inc.DetailsURL, inc.Description, inc.TicketURL,
	).Scan(&created.ID)
	if isUniqueViolation(err) {
		return nil, incident.NewValidationError("source_incident_id",
			fmt.Sprintf("an incident with source_incident_id %q already exists for this source", inc.SourceIncidentID))
	}
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("insert incident: %w", err))
	}

	for _, t := range tags {
		if err := s.attachTag(ctx, tx, created.ID, t, actor.ID, now); err != nil {
			return nil, spanErr(span, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return &created, nil
}

// attachTag interns the tag row and links it to the incident. A
// duplicate link is absorbed silently.
func (s *Store) attachTag(ctx context.Context, tx pgx.Tx, incidentID int64, t incident.Tag, userID int64, now time.Time) error {
	var tagID int64
	err := tx.QueryRow(ctx,
		`INSERT INTO tags (key, value) VALUES ($1, $2)
		 ON CONFLICT (key, value) DO UPDATE SET key = EXCLUDED.key
		 RETURNING id`,
		t.Key, t.Value,
	).Scan(&tagID)
	if err != nil {
		return fmt.Errorf("intern tag %s: %w", t, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO incident_tag_relations (tag_id, incident_id, added_by, added_time)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tag_id, incident_id) DO NOTHING`,
		tagID, incidentID, userID, now,
	)
	if err != nil {
		return fmt.Errorf("attach tag %s: %w", t, err)
	}
	return nil
}

// GetIncident retrieves an incident by ID.
func (s *Store) GetIncident(ctx context.Context, id int64) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetIncident", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + incidentFrom + ` WHERE i.id = $1`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, spanErr(span, fmt.Errorf("get incident: %w", err))
	}
	return inc, true, nil
}

// ListIncidents returns incidents matching the filter, newest first.
func (s *Store) ListIncidents(ctx context.Context, f incident.IncidentFilter, now time.Time) ([]incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.ListIncidents", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + incidentFrom + ` WHERE TRUE`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.SourceID != 0 {
		query += ` AND i.source_id = ` + arg(f.SourceID)
	}
	if f.Stateful != nil {
		if *f.Stateful {
			query += ` AND i.end_time IS NOT NULL`
		} else {
			query += ` AND i.end_time IS NULL`
		}
	}
	if f.Active != nil {
		if *f.Active {
			query += ` AND i.end_time > ` + arg(now)
		} else {
			query += ` AND (i.end_time IS NULL OR i.end_time <= ` + arg(now) + `)`
		}
	}
	if f.Acked != nil {
		cond := `EXISTS (SELECT 1 FROM acknowledgements a JOIN events e ON e.id = a.event_id
			WHERE e.incident_id = i.id AND (a.expiration IS NULL OR a.expiration > ` + arg(now) + `))`
		if *f.Acked {
			query += ` AND ` + cond
		} else {
			query += ` AND NOT ` + cond
		}
	}
	query += ` ORDER BY i.start_time DESC, i.id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	var out []incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, spanErr(span, fmt.Errorf("scan incident: %w", err))
		}
		out = append(out, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

// SaveEndTime persists a lifecycle transition.
func (s *Store) SaveEndTime(ctx context.Context, id int64, end incident.EndTime) error {
	ctx, span := startSpan(ctx, "pgstore.SaveEndTime", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET end_time = $2 WHERE id = $1`, id, endTimeToPg(end))
	if err != nil {
		return spanErr(span, fmt.Errorf("update end_time: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("incident %d not found", id)
	}
	return nil
}

const relationColumns = `r.id, t.key, t.value, r.incident_id, u.id, u.username, u.superuser, r.added_time`

const relationFrom = ` FROM incident_tag_relations r
	JOIN tags t ON t.id = r.tag_id
	JOIN users u ON u.id = r.added_by`

func scanRelations(rows pgx.Rows) ([]incident.TagRelation, error) {
	defer rows.Close()
	var out []incident.TagRelation
	for rows.Next() {
		var rel incident.TagRelation
		err := rows.Scan(&rel.ID, &rel.Tag.Key, &rel.Tag.Value, &rel.Incident,
			&rel.AddedBy.ID, &rel.AddedBy.Username, &rel.AddedBy.Superuser, &rel.AddedTime)
		if err != nil {
			return nil, fmt.Errorf("scan tag relation: %w", err)
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tag relations: %w", err)
	}
	return out, nil
}

// ApplyUpdate applies a partial update in one transaction. The incident
// row is locked first so concurrent reconciliations serialize.
func (s *Store) ApplyUpdate(ctx context.Context, incidentID int64, up incident.Update, actor incident.User, now time.Time) ([]incident.TagRelation, error) {
	ctx, span := startSpan(ctx, "pgstore.ApplyUpdate", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	var locked int64
	err = tx.QueryRow(ctx, `SELECT id FROM incidents WHERE id = $1 FOR UPDATE`, incidentID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("incident %d not found", incidentID)
	}
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("lock incident: %w", err))
	}

	if up.HasTags {
		rows, err := tx.Query(ctx,
			`SELECT `+relationColumns+relationFrom+` WHERE r.incident_id = $1 ORDER BY r.id`, incidentID)
		if err != nil {
			return nil, spanErr(span, fmt.Errorf("query tag relations: %w", err))
		}
		existing, err := scanRelations(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}

		diff, err := incident.DiffTags(existing, up.Tags, actor)
		if err != nil {
			return nil, err
		}
		for _, rel := range diff.Remove {
			if _, err := tx.Exec(ctx,
				`DELETE FROM incident_tag_relations WHERE id = $1`, rel.ID); err != nil {
				return nil, spanErr(span, fmt.Errorf("remove tag relation: %w", err))
			}
		}
		for _, t := range diff.Add {
			if err := s.attachTag(ctx, tx, incidentID, t, actor.ID, now); err != nil {
				return nil, spanErr(span, err)
			}
		}
	}

	if up.DetailsURL != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE incidents SET details_url = $2 WHERE id = $1`, incidentID, *up.DetailsURL); err != nil {
			return nil, spanErr(span, fmt.Errorf("update details_url: %w", err))
		}
	}
	if up.TicketURL != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE incidents SET ticket_url = $2 WHERE id = $1`, incidentID, *up.TicketURL); err != nil {
			return nil, spanErr(span, fmt.Errorf("update ticket_url: %w", err))
		}
	}

	rows, err := tx.Query(ctx,
		`SELECT `+relationColumns+relationFrom+` WHERE r.incident_id = $1 ORDER BY r.id`, incidentID)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query tag relations: %w", err))
	}
	relations, err := scanRelations(rows)
	if err != nil {
		return nil, spanErr(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return relations, nil
}

// TagRelations returns the incident's tag relations.
func (s *Store) TagRelations(ctx context.Context, incidentID int64) ([]incident.TagRelation, error) {
	ctx, span := startSpan(ctx, "pgstore.TagRelations", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+relationColumns+relationFrom+` WHERE r.incident_id = $1 ORDER BY r.id`, incidentID)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query tag relations: %w", err))
	}
	out, err := scanRelations(rows)
	if err != nil {
		return nil, spanErr(span, err)
	}
	return out, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev *incident.Event) (*incident.Event, error) {
	created := *ev
	err := tx.QueryRow(ctx,
		`INSERT INTO events (incident_id, actor_id, ts, type, description)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		ev.Incident, ev.Actor.ID, ev.Timestamp, string(ev.Type), ev.Description,
	).Scan(&created.ID)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return &created, nil
}

// AppendEvent adds a timeline entry.
func (s *Store) AppendEvent(ctx context.Context, ev *incident.Event) (*incident.Event, error) {
	ctx, span := startSpan(ctx, "pgstore.AppendEvent", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	created, err := insertEvent(ctx, tx, ev)
	if err != nil {
		return nil, spanErr(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return created, nil
}

const eventColumns = `e.id, e.incident_id, e.ts, e.type, e.description, u.id, u.username, u.superuser`

const eventFrom = ` FROM events e JOIN users u ON u.id = e.actor_id`

func scanEvent(row pgx.Row) (*incident.Event, error) {
	var (
		ev  incident.Event
		typ string
	)
	err := row.Scan(&ev.ID, &ev.Incident, &ev.Timestamp, &typ, &ev.Description,
		&ev.Actor.ID, &ev.Actor.Username, &ev.Actor.Superuser)
	if err != nil {
		return nil, err
	}
	ev.Type = incident.EventType(typ)
	return &ev, nil
}

// GetEvent retrieves one event scoped to an incident.
func (s *Store) GetEvent(ctx context.Context, incidentID, eventID int64) (*incident.Event, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetEvent", "SELECT")
	defer span.End()

	query := `SELECT ` + eventColumns + eventFrom + ` WHERE e.id = $1 AND e.incident_id = $2`
	ev, err := scanEvent(s.pool.QueryRow(ctx, query, eventID, incidentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, spanErr(span, fmt.Errorf("get event: %w", err))
	}
	return ev, true, nil
}

// ListEvents returns the incident's timeline ordered by timestamp.
func (s *Store) ListEvents(ctx context.Context, incidentID int64) ([]incident.Event, error) {
	ctx, span := startSpan(ctx, "pgstore.ListEvents", "SELECT")
	defer span.End()

	query := `SELECT ` + eventColumns + eventFrom + ` WHERE e.incident_id = $1 ORDER BY e.ts, e.id`
	rows, err := s.pool.Query(ctx, query, incidentID)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	var out []incident.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, spanErr(span, fmt.Errorf("scan event: %w", err))
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate events: %w", err))
	}
	return out, nil
}

// CreateAcknowledgement persists the event and the acknowledgement
// referencing it in one transaction.
func (s *Store) CreateAcknowledgement(ctx context.Context, ev *incident.Event, expiration *time.Time) (*incident.Acknowledgement, error) {
	ctx, span := startSpan(ctx, "pgstore.CreateAcknowledgement", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	created, err := insertEvent(ctx, tx, ev)
	if err != nil {
		return nil, spanErr(span, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO acknowledgements (event_id, expiration) VALUES ($1, $2)`,
		created.ID, expiration,
	); err != nil {
		return nil, spanErr(span, fmt.Errorf("insert acknowledgement: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, spanErr(span, fmt.Errorf("commit: %w", err))
	}

	ack := incident.Acknowledgement{Event: *created}
	if expiration != nil {
		exp := *expiration
		ack.Expiration = &exp
	}
	return &ack, nil
}

// GetAcknowledgement retrieves one acknowledgement scoped to an incident.
func (s *Store) GetAcknowledgement(ctx context.Context, incidentID, eventID int64) (*incident.Acknowledgement, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAcknowledgement", "SELECT")
	defer span.End()

	query := `SELECT ` + eventColumns + `, a.expiration` + eventFrom +
		` JOIN acknowledgements a ON a.event_id = e.id
		 WHERE e.id = $1 AND e.incident_id = $2`
	var (
		ev  incident.Event
		typ string
		exp *time.Time
	)
	err := s.pool.QueryRow(ctx, query, eventID, incidentID).Scan(
		&ev.ID, &ev.Incident, &ev.Timestamp, &typ, &ev.Description,
		&ev.Actor.ID, &ev.Actor.Username, &ev.Actor.Superuser, &exp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, spanErr(span, fmt.Errorf("get acknowledgement: %w", err))
	}
	ev.Type = incident.EventType(typ)
	return &incident.Acknowledgement{Event: ev, Expiration: exp}, true, nil
}

// ListAcknowledgements returns the incident's acknowledgements ordered
// by event timestamp.
func (s *Store) ListAcknowledgements(ctx context.Context, incidentID int64) ([]incident.Acknowledgement, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAcknowledgements", "SELECT")
	defer span.End()

	query := `SELECT ` + eventColumns + `, a.expiration` + eventFrom +
		` JOIN acknowledgements a ON a.event_id = e.id
		 WHERE e.incident_id = $1 ORDER BY e.ts, e.id`
	rows, err := s.pool.Query(ctx, query, incidentID)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query acknowledgements: %w", err))
	}
	defer rows.Close()

	var out []incident.Acknowledgement
	for rows.Next() {
		var (
			ev  incident.Event
			typ string
			exp *time.Time
		)
		err := rows.Scan(&ev.ID, &ev.Incident, &ev.Timestamp, &typ, &ev.Description,
			&ev.Actor.ID, &ev.Actor.Username, &ev.Actor.Superuser, &exp)
		if err != nil {
			return nil, spanErr(span, fmt.Errorf("scan acknowledgement: %w", err))
		}
		ev.Type = incident.EventType(typ)
		out = append(out, incident.Acknowledgement{Event: ev, Expiration: exp})
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate acknowledgements: %w", err))
	}
	return out, nil
}

// HasActiveAck reports whether any acknowledgement on the incident is
// unexpired as of now.
func (s *Store) HasActiveAck(ctx context.Context, incidentID int64, now time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.HasActiveAck", "SELECT")
	defer span.End()

	var acked bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM acknowledgements a
			JOIN events e ON e.id = a.event_id
			WHERE e.incident_id = $1 AND (a.expiration IS NULL OR a.expiration > $2)
		)`, incidentID, now,
	).Scan(&acked)
	if err != nil {
		return false, spanErr(span, fmt.Errorf("query active ack: %w", err))
	}
	return acked, nil
}

// CreateIncidentRelation links two incidents, interning the relation
// type by name.
func (s *Store) CreateIncidentRelation(ctx context.Context, rel *incident.IncidentRelation) (*incident.IncidentRelation, error) {
	ctx, span := startSpan(ctx, "pgstore.CreateIncidentRelation", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	created := *rel
	err = tx.QueryRow(ctx,
		`INSERT INTO incident_relation_types (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		rel.Type.Name,
	).Scan(&created.Type.ID)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("intern relation type: %w", err))
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO incident_relations (incident1_id, incident2_id, type_id, description)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		rel.Incident1, rel.Incident2, created.Type.ID, rel.Description,
	).Scan(&created.ID)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("insert incident relation: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return &created, nil
}

// ListIncidentRelations returns relations with the incident in either
// position.
func (s *Store) ListIncidentRelations(ctx context.Context, incidentID int64) ([]incident.IncidentRelation, error) {
	ctx, span := startSpan(ctx, "pgstore.ListIncidentRelations", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.incident1_id, r.incident2_id, t.id, t.name, r.description
		 FROM incident_relations r
		 JOIN incident_relation_types t ON t.id = r.type_id
		 WHERE r.incident1_id = $1 OR r.incident2_id = $1
		 ORDER BY r.id`, incidentID)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query incident relations: %w", err))
	}
	defer rows.Close()

	var out []incident.IncidentRelation
	for rows.Next() {
		var rel incident.IncidentRelation
		err := rows.Scan(&rel.ID, &rel.Incident1, &rel.Incident2,
			&rel.Type.ID, &rel.Type.Name, &rel.Description)
		if err != nil {
			return nil, spanErr(span, fmt.Errorf("scan incident relation: %w", err))
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate incident relations: %w", err))
	}
	return out, nil
}
