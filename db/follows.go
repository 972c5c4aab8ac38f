package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Follow queries
const (
	sqlFollowColumns = `id, actor_id, target_actor_id, uri, state, created_at`

	sqlInsertFollowIfAbsent = `INSERT INTO actor_following(` + sqlFollowColumns + `) VALUES (?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(actor_id, target_actor_id) DO NOTHING`
	sqlReopenRejectedFollow = `UPDATE actor_following SET state = 'pending', uri = ? WHERE actor_id = ? AND target_actor_id = ? AND state = 'rejected'`
	sqlSelectFollow         = `SELECT ` + sqlFollowColumns + ` FROM actor_following WHERE actor_id = ? AND target_actor_id = ?`
	sqlSelectFollowByURI    = `SELECT ` + sqlFollowColumns + ` FROM actor_following WHERE uri = ?`
	sqlTransitionFollow     = `UPDATE actor_following SET state = ? WHERE actor_id = ? AND target_actor_id = ? AND state = 'pending'`
	sqlDeleteFollow         = `DELETE FROM actor_following WHERE actor_id = ? AND target_actor_id = ?`
	sqlDeleteFollowsOfActor = `DELETE FROM actor_following WHERE actor_id = ? OR target_actor_id = ?`

	// Keyset pagination over (created_at, id)
	sqlSelectAcceptedFollowing = `SELECT ` + sqlFollowColumns + ` FROM actor_following
		WHERE actor_id = ? AND state = 'accepted' AND (created_at, id) > (?, ?)
		ORDER BY created_at ASC, id ASC LIMIT ?`
	sqlSelectAcceptedFollowers = `SELECT ` + sqlFollowColumns + ` FROM actor_following
		WHERE target_actor_id = ? AND state = 'accepted' AND (created_at, id) > (?, ?)
		ORDER BY created_at ASC, id ASC LIMIT ?`
	sqlCountAcceptedFollowing = `SELECT COUNT(*) FROM actor_following WHERE actor_id = ? AND state = 'accepted'`
	sqlCountAcceptedFollowers = `SELECT COUNT(*) FROM actor_following WHERE target_actor_id = ? AND state = 'accepted'`
	sqlSelectFollowerInboxes  = `SELECT DISTINCT CASE WHEN a.shared_inbox_uri != '' THEN a.shared_inbox_uri ELSE a.inbox_uri END
		FROM actor_following f INNER JOIN actors a ON a.id = f.actor_id
		WHERE f.target_actor_id = ? AND f.state = 'accepted' AND a.origin = 'remote'`
)

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var follow domain.Follow
	var state string
	var createdAt int64
	if err := row.Scan(&follow.Id, &follow.ActorId, &follow.TargetActorId, &follow.URI, &state, &createdAt); err != nil {
		return nil, err
	}
	follow.State = domain.FollowState(state)
	follow.CreatedAt = fromMicros(createdAt)
	return &follow, nil
}

// FollowCursor is the last (created_at, id) pair of a listed page.
type FollowCursor struct {
	CreatedAt time.Time
	Id        uuid.UUID
}

// String encodes the cursor as <unix-micro>_<uuid>.
func (c FollowCursor) String() string {
	return Cursor{PublishedAt: c.CreatedAt, Id: c.Id}.String()
}

func ParseFollowCursor(s string) (*FollowCursor, error) {
	c, err := ParseCursor(s)
	if err != nil {
		return nil, err
	}
	return &FollowCursor{CreatedAt: c.PublishedAt, Id: c.Id}, nil
}

// RequestFollow creates a pending relation. An existing pending or accepted relation is
// returned unchanged; a rejected one is reopened as pending with the new uri.
func (q *Queries) RequestFollow(ctx context.Context, followerID, targetID, uri string) (*domain.Follow, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if _, err := q.q.ExecContext(ctx, sqlInsertFollowIfAbsent, id, followerID, targetID, uri, toMicros(time.Now())); err != nil {
		return nil, fmt.Errorf("request follow %s -> %s: %w", followerID, targetID, err)
	}
	if _, err := q.q.ExecContext(ctx, sqlReopenRejectedFollow, uri, followerID, targetID); err != nil {
		return nil, err
	}
	return q.ReadFollow(ctx, followerID, targetID)
}

// AcceptFollow moves a pending relation to accepted.
func (q *Queries) AcceptFollow(ctx context.Context, followerID, targetID string) (*domain.Follow, error) {
	return q.transitionFollow(ctx, followerID, targetID, domain.FollowAccepted)
}

// RejectFollow moves a pending relation to rejected.
func (q *Queries) RejectFollow(ctx context.Context, followerID, targetID string) (*domain.Follow, error) {
	return q.transitionFollow(ctx, followerID, targetID, domain.FollowRejected)
}

func (q *Queries) transitionFollow(ctx context.Context, followerID, targetID string, state domain.FollowState) (*domain.Follow, error) {
	res, err := q.q.ExecContext(ctx, sqlTransitionFollow, string(state), followerID, targetID)
	if err != nil {
		return nil, err
	}
	follow, err := q.ReadFollow(ctx, followerID, targetID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.ConflictError{Reason: fmt.Sprintf("no follow request from %s to %s", followerID, targetID)}
	}
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 && follow.State != state {
		return nil, &domain.ConflictError{Reason: fmt.Sprintf("follow from %s to %s is %s, not pending", followerID, targetID, follow.State)}
	}
	return follow, nil
}

func (q *Queries) ReadFollow(ctx context.Context, followerID, targetID string) (*domain.Follow, error) {
	follow, err := scanFollow(q.q.QueryRowContext(ctx, sqlSelectFollow, followerID, targetID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError{Resource: "follow"}
	}
	return follow, err
}

func (q *Queries) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	follow, err := scanFollow(q.q.QueryRowContext(ctx, sqlSelectFollowByURI, uri))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError{Resource: "follow " + uri}
	}
	return follow, err
}

// DeleteFollow removes the relation. Removing an absent relation is not an error.
func (q *Queries) DeleteFollow(ctx context.Context, followerID, targetID string) (bool, error) {
	res, err := q.q.ExecContext(ctx, sqlDeleteFollow, followerID, targetID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q *Queries) DeleteFollowsOfActor(ctx context.Context, actorID string) error {
	_, err := q.q.ExecContext(ctx, sqlDeleteFollowsOfActor, actorID, actorID)
	return err
}

// ListAccepted lists accepted relations in creation order, starting after cursor.
func (q *Queries) ListAccepted(ctx context.Context, actorID string, direction domain.FollowDirection, after *FollowCursor, limit int) ([]domain.Follow, error) {
	query := sqlSelectAcceptedFollowing
	if direction == domain.Followers {
		query = sqlSelectAcceptedFollowers
	}
	var afterTime int64 = -1
	afterID := ""
	if after != nil {
		afterTime = toMicros(after.CreatedAt)
		afterID = after.Id.String()
	}
	rows, err := q.q.QueryContext(ctx, query, actorID, afterTime, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		follow, err := scanFollow(rows)
		if err != nil {
			return follows, err
		}
		follows = append(follows, *follow)
	}
	return follows, rows.Err()
}

func (q *Queries) CountAccepted(ctx context.Context, actorID string, direction domain.FollowDirection) (int, error) {
	query := sqlCountAcceptedFollowing
	if direction == domain.Followers {
		query = sqlCountAcceptedFollowers
	}
	var n int
	err := q.q.QueryRowContext(ctx, query, actorID).Scan(&n)
	return n, err
}

// ReadFollowerInboxes returns the distinct delivery inboxes of an actor's remote followers.
func (q *Queries) ReadFollowerInboxes(ctx context.Context, actorID string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, sqlSelectFollowerInboxes, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return inboxes, err
		}
		if inbox != "" {
			inboxes = append(inboxes, inbox)
		}
	}
	return inboxes, rows.Err()
}
