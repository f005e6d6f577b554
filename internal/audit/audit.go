// Package audit persists event metadata for key lifecycle events — never
// key material, consistent with the core's "no persistence of keys"
// non-goal (SPEC_FULL.md §11). It is a durable side channel for the debug
// console, not part of the core's correctness.
package audit

import (
	"context"
	"time"

	"kme/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Event is one row of the audit trail.
type Event struct {
	ID        uuid.UUID `db:"id" json:"id"`
	EventType string    `db:"event_type" json:"event_type"`
	KeyID     string    `db:"key_id" json:"key_id"`
	SaeID     string    `db:"sae_id" json:"sae_id"`
	PeerID    string    `db:"peer_id" json:"peer_id"`
	Detail    string    `db:"detail" json:"detail"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Repository persists Events to Postgres.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Record inserts one audit event.
func (r *Repository) Record(ctx context.Context, ev Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO kme_schema.audit_events (id, event_type, key_id, sae_id, peer_id, detail, created_at)
		VALUES (:id, :event_type, :key_id, :sae_id, :peer_id, :detail, :created_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, ev)
	if err != nil {
		return errors.Wrap(errors.KindTransient, "recording audit event", err)
	}
	return nil
}

// FindAll returns recent events, newest first.
func (r *Repository) FindAll(ctx context.Context, limit, offset int) ([]Event, error) {
	var events []Event
	const query = `
		SELECT id, event_type, key_id, sae_id, peer_id, detail, created_at
		FROM kme_schema.audit_events
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	if err := r.db.SelectContext(ctx, &events, query, limit, offset); err != nil {
		return nil, errors.Wrap(errors.KindTransient, "listing audit events", err)
	}
	return events, nil
}

// CountAll returns the total row count.
func (r *Repository) CountAll(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM kme_schema.audit_events`); err != nil {
		return 0, errors.Wrap(errors.KindTransient, "counting audit events", err)
	}
	return n, nil
}
