package db

import (
	"context"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Notification queries
const (
	sqlInsertNotification = `INSERT INTO actor_notifications(id, type, actor_id, from_actor_id, object_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectNotifications = `SELECT id, type, actor_id, from_actor_id, object_id, created_at FROM actor_notifications
		WHERE actor_id = ? AND id < ? ORDER BY id DESC LIMIT ?`
	sqlCountNotificationsByType = `SELECT COUNT(*) FROM actor_notifications WHERE actor_id = ? AND type = ?`
)

// CreateNotification appends a notification and fills in its id and timestamp.
func (q *Queries) CreateNotification(ctx context.Context, n *domain.Notification) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	n.Id = id
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	var objectID uuid.NullUUID
	if n.ObjectId != nil {
		objectID = uuid.NullUUID{UUID: *n.ObjectId, Valid: true}
	}
	_, err = q.q.ExecContext(ctx, sqlInsertNotification, n.Id, string(n.Type), n.ActorId, n.FromActorId, objectID, toMicros(n.CreatedAt))
	return err
}

// ReadNotifications lists an actor's notifications, newest first, older than maxID when set.
func (q *Queries) ReadNotifications(ctx context.Context, actorID string, maxID *uuid.UUID, limit int) ([]domain.Notification, error) {
	upper := "~"
	if maxID != nil {
		upper = maxID.String()
	}
	rows, err := q.q.QueryContext(ctx, sqlSelectNotifications, actorID, upper, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var kind string
		var objectID uuid.NullUUID
		var created int64
		if err := rows.Scan(&n.Id, &kind, &n.ActorId, &n.FromActorId, &objectID, &created); err != nil {
			return notifications, err
		}
		n.Type = domain.NotificationType(kind)
		if objectID.Valid {
			id := objectID.UUID
			n.ObjectId = &id
		}
		n.CreatedAt = fromMicros(created)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (q *Queries) CountNotifications(ctx context.Context, actorID string, kind domain.NotificationType) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, sqlCountNotificationsByType, actorID, string(kind)).Scan(&n)
	return n, err
}
