package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DLQWriter parks undeliverable outbox rows in outbox_dlq. Parked rows are
// immediately eligible for replay; the DLQ manager owns the backoff schedule
// from the first failed retry onward.
type DLQWriter struct {
	pool *pgxpool.Pool
}

// NewDLQWriter constructs a writer backed by the given pool.
func NewDLQWriter(pool *pgxpool.Pool) *DLQWriter {
	return &DLQWriter{pool: pool}
}

// Park copies the failed message into the DLQ with the delivery failure
// reason, scoped to the owning account.
func (w *DLQWriter) Park(ctx context.Context, msg Message, reason string) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.account_id', $1, true)", msg.TenantID); err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox_dlq (tenant_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
	               VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`
	if _, err := tx.Exec(ctx, stmt,
		msg.TenantID, msg.EventID, msg.EventType, msg.Topic, msg.Payload, reason,
		msg.AggregateType, msg.AggregateID, msg.SchemaSubject, msg.PartitionKey,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
