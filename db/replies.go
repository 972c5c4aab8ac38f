package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reply queries
const (
	sqlInsertReply = `INSERT INTO actor_replies(object_id, in_reply_to_object_id, actor_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(object_id) DO NOTHING`
	sqlCountReplies = `SELECT COUNT(*) FROM actor_replies WHERE in_reply_to_object_id = ?`
	sqlIsReply      = `SELECT EXISTS(SELECT 1 FROM actor_replies WHERE object_id = ?)`
)

// InsertReply links a reply to its parent. Both objects must already be stored.
func (q *Queries) InsertReply(ctx context.Context, replyID, parentID uuid.UUID, actorID string) error {
	_, err := q.q.ExecContext(ctx, sqlInsertReply, replyID, parentID, actorID, toMicros(time.Now()))
	return err
}

func (q *Queries) ReplyCount(ctx context.Context, objectID uuid.UUID) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, sqlCountReplies, objectID).Scan(&n)
	return n, err
}

func (q *Queries) IsReply(ctx context.Context, objectID uuid.UUID) (bool, error) {
	var exists bool
	err := q.q.QueryRowContext(ctx, sqlIsReply, objectID).Scan(&exists)
	return exists, err
}
