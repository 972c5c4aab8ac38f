package db

import (
	"context"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Activity queries
const (
	sqlInsertActivityIfAbsent = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(activity_uri) DO NOTHING`
	sqlMarkActivityProcessed = `UPDATE activities SET processed = 1 WHERE activity_uri = ?`
	sqlSelectActivityByURI   = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities WHERE activity_uri = ?`
	sqlIsActivityProcessed   = `SELECT EXISTS(SELECT 1 FROM activities WHERE activity_uri = ? AND processed = 1)`
)

// RecordActivity logs an activity. It reports false when the uri was already logged.
func (q *Queries) RecordActivity(ctx context.Context, activity *domain.Activity) (bool, error) {
	if activity.Id == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return false, err
		}
		activity.Id = id
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	res, err := q.q.ExecContext(ctx, sqlInsertActivityIfAbsent,
		activity.Id,
		activity.ActivityURI,
		activity.ActivityType,
		activity.ActorURI,
		activity.ObjectURI,
		activity.RawJSON,
		boolToInt(activity.Processed),
		boolToInt(activity.Local),
		toMicros(activity.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (q *Queries) MarkActivityProcessed(ctx context.Context, uri string) error {
	_, err := q.q.ExecContext(ctx, sqlMarkActivityProcessed, uri)
	return err
}

func (q *Queries) IsActivityProcessed(ctx context.Context, uri string) (bool, error) {
	var processed bool
	err := q.q.QueryRowContext(ctx, sqlIsActivityProcessed, uri).Scan(&processed)
	return processed, err
}

func (q *Queries) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	var activity domain.Activity
	var processed, local int
	var created int64
	err := q.q.QueryRowContext(ctx, sqlSelectActivityByURI, uri).Scan(
		&activity.Id,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&activity.ObjectURI,
		&activity.RawJSON,
		&processed,
		&local,
		&created,
	)
	if isNoRows(err) {
		return nil, domain.NotFoundError{Resource: "activity " + uri}
	}
	if err != nil {
		return nil, err
	}
	activity.Processed = processed == 1
	activity.Local = local == 1
	activity.CreatedAt = fromMicros(created)
	return &activity, nil
}
