package eventsink

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/depannage/dispatch/internal/contracts"
)

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS dispatch_events (
  event_id text PRIMARY KEY,
  kind text NOT NULL,
  request_id text NOT NULL DEFAULT '',
  shard_id integer NOT NULL,
  stream_seq bigint NOT NULL DEFAULT 0,
  payload jsonb NOT NULL,
  occurred_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now()
)`

const createEventsRequestIndexSQL = `
CREATE INDEX IF NOT EXISTS dispatch_events_request_idx
ON dispatch_events (request_id, occurred_at)`

const createRequestProjectionSQL = `
CREATE TABLE IF NOT EXISTS request_projection (
  request_id text PRIMARY KEY,
  client_id text NOT NULL,
  technician_id text NOT NULL DEFAULT '',
  specialty text NOT NULL DEFAULT '',
  urgency text NOT NULL DEFAULT '',
  status text NOT NULL,
  reason text NOT NULL DEFAULT '',
  last_event_seq bigint NOT NULL DEFAULT 0,
  updated_at timestamptz NOT NULL
)`

const insertEventSQL = `
INSERT INTO dispatch_events (event_id, kind, request_id, shard_id, stream_seq, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (event_id) DO NOTHING
`

// Redelivered or reordered events never move the projection backwards.
const upsertRequestProjectionSQL = `
INSERT INTO request_projection (
  request_id, client_id, technician_id, specialty, urgency, status, reason, last_event_seq, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (request_id) DO UPDATE
SET technician_id = EXCLUDED.technician_id,
    status = EXCLUDED.status,
    reason = EXCLUDED.reason,
    last_event_seq = EXCLUDED.last_event_seq,
    updated_at = EXCLUDED.updated_at
WHERE request_projection.last_event_seq < EXCLUDED.last_event_seq
`

type EventRepository struct {
	Pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{Pool: pool}
}

func (r *EventRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createEventsTableSQL, createEventsRequestIndexSQL, createRequestProjectionSQL} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *EventRepository) InsertEvent(ctx context.Context, event contracts.DomainEvent, eventSeq uint64, projection *RequestProjection) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, insertEventSQL,
		event.EventID,
		event.Kind,
		event.RequestID,
		event.ShardID,
		int64(eventSeq),
		[]byte(event.Payload),
		event.OccurredAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// already recorded
		return tx.Commit(ctx)
	}

	if projection != nil {
		if _, err := tx.Exec(ctx, upsertRequestProjectionSQL,
			projection.RequestID,
			projection.ClientID,
			projection.TechnicianID,
			projection.Specialty,
			projection.Urgency,
			projection.Status,
			projection.Reason,
			int64(eventSeq),
			projection.UpdatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
