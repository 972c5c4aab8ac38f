package db

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Outbox queries
const (
	sqlInsertOutboxIfAbsent = `INSERT INTO outbox_objects(id, actor_id, object_id, published_at, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, object_id) DO NOTHING`
	sqlSelectOutboxEntry = `SELECT id, actor_id, object_id, published_at, created_at FROM outbox_objects WHERE actor_id = ? AND object_id = ?`
	sqlDeleteOutboxEntry = `DELETE FROM outbox_objects WHERE actor_id = ? AND object_id = ?`
	sqlCountOutbox       = `SELECT COUNT(*) FROM outbox_objects WHERE actor_id = ?`
	sqlSelectOutboxPage  = `SELECT o.id, o.actor_id, o.object_id, o.published_at, o.created_at,
			obj.id, obj.original_object_id, obj.original_actor_id, obj.type, obj.properties, obj.local, obj.created_at
		FROM outbox_objects o INNER JOIN objects obj ON obj.id = o.object_id
		WHERE o.actor_id = ? AND (o.published_at, o.id) < (?, ?)
		ORDER BY o.published_at DESC, o.id DESC LIMIT ?`
)

// OutboxItem is an outbox entry joined with its object.
type OutboxItem struct {
	Entry  domain.OutboxEntry
	Object domain.Object
}

// AddOutboxEntry places an object in an actor's outbox. A zero publishedAt means now.
// An existing entry for the same actor and object is returned unchanged.
func (q *Queries) AddOutboxEntry(ctx context.Context, actorID string, objectID uuid.UUID, publishedAt time.Time) (*domain.OutboxEntry, bool, error) {
	now := time.Now()
	if publishedAt.IsZero() {
		publishedAt = now
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, err
	}
	res, err := q.q.ExecContext(ctx, sqlInsertOutboxIfAbsent, id, actorID, objectID, toMicros(publishedAt), toMicros(now))
	if err != nil {
		return nil, false, fmt.Errorf("add outbox entry for %s: %w", actorID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	entry, err := q.ReadOutboxEntry(ctx, actorID, objectID)
	if err != nil {
		return nil, false, err
	}
	return entry, n == 1, nil
}

func (q *Queries) ReadOutboxEntry(ctx context.Context, actorID string, objectID uuid.UUID) (*domain.OutboxEntry, error) {
	var entry domain.OutboxEntry
	var published, created int64
	err := q.q.QueryRowContext(ctx, sqlSelectOutboxEntry, actorID, objectID).
		Scan(&entry.Id, &entry.ActorId, &entry.ObjectId, &published, &created)
	if isNoRows(err) {
		return nil, domain.NotFoundError{Resource: "outbox entry"}
	}
	if err != nil {
		return nil, err
	}
	entry.PublishedAt = fromMicros(published)
	entry.CreatedAt = fromMicros(created)
	return &entry, nil
}

func (q *Queries) DeleteOutboxEntry(ctx context.Context, actorID string, objectID uuid.UUID) (bool, error) {
	res, err := q.q.ExecContext(ctx, sqlDeleteOutboxEntry, actorID, objectID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q *Queries) CountOutbox(ctx context.Context, actorID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, sqlCountOutbox, actorID).Scan(&n)
	return n, err
}

// ReadOutbox pages through an actor's outbox, newest first. A nil cursor starts at the top.
func (q *Queries) ReadOutbox(ctx context.Context, actorID string, before *Cursor, limit int) ([]OutboxItem, error) {
	beforeTime, beforeID := before.bounds()
	rows, err := q.q.QueryContext(ctx, sqlSelectOutboxPage, actorID, beforeTime, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		var item OutboxItem
		var published, created, objCreated int64
		var props string
		var local int
		if err := rows.Scan(
			&item.Entry.Id, &item.Entry.ActorId, &item.Entry.ObjectId, &published, &created,
			&item.Object.Id, &item.Object.OriginalObjectId, &item.Object.OriginalActorId, &item.Object.Type, &props, &local, &objCreated,
		); err != nil {
			return items, err
		}
		item.Entry.PublishedAt = fromMicros(published)
		item.Entry.CreatedAt = fromMicros(created)
		item.Object.Local = local == 1
		item.Object.CreatedAt = fromMicros(objCreated)
		if item.Object.Properties, err = domain.UnmarshalProperties(props); err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
