package db

import (
	"context"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Delivery Queue queries
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, sender_actor_id, inbox_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, sender_actor_id, inbox_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY next_retry_at ASC, id ASC LIMIT ?`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery          = `DELETE FROM delivery_queue WHERE id = ?`
	sqlCountDeliveries         = `SELECT COUNT(*) FROM delivery_queue`
)

func (q *Queries) EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		item.Id = id
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = now
	}
	_, err := q.q.ExecContext(ctx, sqlInsertDeliveryQueue,
		item.Id,
		item.SenderId,
		item.InboxURI,
		item.ActivityJSON,
		item.Attempts,
		toMicros(item.NextRetryAt),
		toMicros(item.CreatedAt),
	)
	return err
}

// ReadPendingDeliveries returns items due at or before now.
func (q *Queries) ReadPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := q.q.QueryContext(ctx, sqlSelectPendingDeliveries, toMicros(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var next, created int64
		if err := rows.Scan(&item.Id, &item.SenderId, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &next, &created); err != nil {
			return items, err
		}
		item.NextRetryAt = fromMicros(next)
		item.CreatedAt = fromMicros(created)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (q *Queries) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time) error {
	_, err := q.q.ExecContext(ctx, sqlUpdateDeliveryAttempt, attempts, toMicros(nextRetry), id)
	return err
}

func (q *Queries) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	_, err := q.q.ExecContext(ctx, sqlDeleteDelivery, id)
	return err
}

func (q *Queries) CountDeliveries(ctx context.Context) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, sqlCountDeliveries).Scan(&n)
	return n, err
}
