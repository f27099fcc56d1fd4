package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateWithTx writes the event in the caller's transaction so it commits or
// rolls back with the business change that produced it.
func (r *Repository) CreateWithTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, aggregate_id, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
	`, event.ID, event.EventType, event.AggregateID, string(event.Payload), event.Status, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// AddNotification is the convenience used by the order and identity flows.
func (r *Repository) AddNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	event, err := NewNotificationEvent(n)
	if err != nil {
		return err
	}
	return r.CreateWithTx(ctx, tx, event)
}

// Batch is a set of claimed events. The rows stay locked until Commit or Rollback.
type Batch struct {
	tx     *sql.Tx
	Events []*Event
}

// ClaimBatch locks up to limit deliverable events, skipping rows locked by
// other relays.
func (r *Repository) ClaimBatch(ctx context.Context, limit, maxAttempts int) (*Batch, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, aggregate_id, payload, status, attempts, last_error, created_at, updated_at
		FROM outbox_events
		WHERE status IN ($1, $2) AND attempts < $3
		ORDER BY created_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, StatusPending, StatusFailed, maxAttempts, limit)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	batch := &Batch{tx: tx}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EventType, &e.AggregateID, &e.Payload, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		batch.Events = append(batch.Events, &e)
	}

	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	return batch, nil
}

func (b *Batch) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := b.tx.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2, published_at = $3, updated_at = $3
		WHERE id = $1
	`, id, StatusPublished, at)
	return err
}

func (b *Batch) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := b.tx.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = attempts + 1, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, StatusFailed, errMsg)
	return err
}

func (b *Batch) Commit() error {
	return b.tx.Commit()
}

func (b *Batch) Rollback() error {
	return b.tx.Rollback()
}

// CountPending reports events still waiting for delivery.
func (r *Repository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_events WHERE status IN ($1, $2)
	`, StatusPending, StatusFailed).Scan(&n)
	return n, err
}
