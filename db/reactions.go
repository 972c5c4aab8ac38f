package db

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Reaction queries
const (
	sqlInsertReactionIfAbsent = `INSERT INTO actor_reactions(id, kind, actor_id, object_id, uri, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, actor_id, object_id) DO NOTHING`
	sqlDeleteReaction    = `DELETE FROM actor_reactions WHERE kind = ? AND actor_id = ? AND object_id = ?`
	sqlExistsReaction    = `SELECT EXISTS(SELECT 1 FROM actor_reactions WHERE kind = ? AND actor_id = ? AND object_id = ?)`
	sqlCountReactions    = `SELECT COUNT(*) FROM actor_reactions WHERE kind = ? AND object_id = ?`
	sqlSelectReactionURI = `SELECT kind, actor_id, object_id FROM actor_reactions WHERE uri = ?`
)

// InsertReaction records a like or reblog. It reports false when the reaction already existed.
func (q *Queries) InsertReaction(ctx context.Context, kind domain.ReactionKind, actorID string, objectID uuid.UUID, uri string) (bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return false, err
	}
	res, err := q.q.ExecContext(ctx, sqlInsertReactionIfAbsent, id, string(kind), actorID, objectID, uri, toMicros(time.Now()))
	if err != nil {
		return false, fmt.Errorf("insert %s reaction: %w", kind, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DeleteReaction removes a reaction and reports whether one existed.
func (q *Queries) DeleteReaction(ctx context.Context, kind domain.ReactionKind, actorID string, objectID uuid.UUID) (bool, error) {
	res, err := q.q.ExecContext(ctx, sqlDeleteReaction, string(kind), actorID, objectID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q *Queries) HasReacted(ctx context.Context, kind domain.ReactionKind, actorID string, objectID uuid.UUID) (bool, error) {
	var exists bool
	err := q.q.QueryRowContext(ctx, sqlExistsReaction, string(kind), actorID, objectID).Scan(&exists)
	return exists, err
}

func (q *Queries) CountReactions(ctx context.Context, kind domain.ReactionKind, objectID uuid.UUID) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, sqlCountReactions, string(kind), objectID).Scan(&n)
	return n, err
}

// ReadReactionByURI finds the reaction created by a Like or Announce activity.
func (q *Queries) ReadReactionByURI(ctx context.Context, uri string) (*domain.Reaction, error) {
	var r domain.Reaction
	var kind string
	err := q.q.QueryRowContext(ctx, sqlSelectReactionURI, uri).Scan(&kind, &r.ActorId, &r.ObjectId)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFoundError{Resource: "reaction " + uri}
		}
		return nil, err
	}
	r.Kind = domain.ReactionKind(kind)
	r.URI = uri
	return &r, nil
}
