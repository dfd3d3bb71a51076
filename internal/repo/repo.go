package repo

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	"ariex/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict reports a unique constraint hit the caller can recover from.
var ErrConflict = errors.New("conflict")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q runs on tx when one is open, otherwise on the pool.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const eventColumns = "id,ts,type,COALESCE(agreement_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json"

type EventFilters struct {
	AgreementID string
	Type        string
	EntityKind  string
	EntityID    string
	Before      int64
	Limit       int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	qb := sq.Select(eventColumns).From("events").OrderBy("id DESC")
	if f.AgreementID != "" {
		qb = qb.Where(sq.Eq{"agreement_id": f.AgreementID})
	}
	if f.Type != "" {
		qb = qb.Where(sq.Eq{"type": f.Type})
	}
	if f.EntityKind != "" {
		qb = qb.Where(sq.Eq{"entity_kind": f.EntityKind})
	}
	if f.EntityID != "" {
		qb = qb.Where(sq.Eq{"entity_id": f.EntityID})
	}
	if f.Before > 0 {
		qb = qb.Where(sq.Lt{"id": f.Before})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	qb = qb.Limit(uint64(limit))
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id > cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := sq.Select(eventColumns).From("events").
		Where(sq.Gt{"id": cursor}).
		OrderBy("id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AgreementID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
