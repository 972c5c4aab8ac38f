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

// Object queries
const (
	sqlObjectColumns = `id, original_object_id, original_actor_id, type, properties, local, created_at`

	sqlInsertObjectIfAbsent = `INSERT INTO objects(` + sqlObjectColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(original_object_id) DO NOTHING`
	sqlUpdateObjectByOriginalId = `UPDATE objects SET type = ?, properties = ? WHERE original_object_id = ?`
	sqlSelectObjectByOriginalId = `SELECT ` + sqlObjectColumns + ` FROM objects WHERE original_object_id = ?`
	sqlSelectObjectById         = `SELECT ` + sqlObjectColumns + ` FROM objects WHERE id = ?`
	sqlDeleteObjectByOriginalId = `DELETE FROM objects WHERE original_object_id = ?`
	sqlCountObjectsByOriginalId = `SELECT COUNT(*) FROM objects WHERE original_object_id = ?`
)

func scanObject(row rowScanner) (*domain.Object, error) {
	var obj domain.Object
	var props string
	var local int
	var createdAt int64
	err := row.Scan(&obj.Id, &obj.OriginalObjectId, &obj.OriginalActorId, &obj.Type, &props, &local, &createdAt)
	if err != nil {
		return nil, err
	}
	obj.Properties, err = domain.UnmarshalProperties(props)
	if err != nil {
		return nil, fmt.Errorf("object %s properties: %w", obj.OriginalObjectId, err)
	}
	obj.Local = local == 1
	obj.CreatedAt = fromMicros(createdAt)
	return &obj, nil
}

// CacheObject stores an object under its original id. The first call inserts it and
// reports created; later calls replace type and properties but keep the internal id,
// the author and the creation time.
func (q *Queries) CacheObject(ctx context.Context, props domain.Properties, actorID, originalID string, local bool) (*domain.Object, bool, error) {
	if originalID == "" {
		return nil, false, domain.NewValidationError("object has no id")
	}
	raw, err := props.Marshal()
	if err != nil {
		return nil, false, err
	}
	objType := props.String("type")
	if objType == "" {
		objType = "Note"
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, err
	}
	res, err := q.q.ExecContext(ctx, sqlInsertObjectIfAbsent,
		id, originalID, actorID, objType, raw, boolToInt(local), toMicros(time.Now()))
	if err != nil {
		return nil, false, fmt.Errorf("cache object %s: %w", originalID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if inserted == 0 {
		if _, err := q.q.ExecContext(ctx, sqlUpdateObjectByOriginalId, objType, raw, originalID); err != nil {
			return nil, false, fmt.Errorf("update object %s: %w", originalID, err)
		}
	}

	obj, err := q.ReadObjectByOriginalId(ctx, originalID)
	if err != nil {
		return nil, false, err
	}
	return obj, inserted == 1, nil
}

// UpdateObjectProperties replaces the payload of a stored object.
func (q *Queries) UpdateObjectProperties(ctx context.Context, originalID string, props domain.Properties) error {
	raw, err := props.Marshal()
	if err != nil {
		return err
	}
	objType := props.String("type")
	if objType == "" {
		objType = "Note"
	}
	res, err := q.q.ExecContext(ctx, sqlUpdateObjectByOriginalId, objType, raw, originalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.ObjectNotFoundError{ObjectId: originalID}
	}
	return nil
}

func (q *Queries) ReadObjectByOriginalId(ctx context.Context, originalID string) (*domain.Object, error) {
	obj, err := scanObject(q.q.QueryRowContext(ctx, sqlSelectObjectByOriginalId, originalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ObjectNotFoundError{ObjectId: originalID}
	}
	return obj, err
}

func (q *Queries) ReadObjectById(ctx context.Context, id uuid.UUID) (*domain.Object, error) {
	obj, err := scanObject(q.q.QueryRowContext(ctx, sqlSelectObjectById, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError{Resource: "object " + id.String()}
	}
	return obj, err
}

// DeleteObject removes an object together with its outbox entries, reactions and reply links.
func (q *Queries) DeleteObject(ctx context.Context, originalID string) (bool, error) {
	res, err := q.q.ExecContext(ctx, sqlDeleteObjectByOriginalId, originalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountObjects returns how many rows exist for an original id. It is at most one.
func (q *Queries) CountObjects(ctx context.Context, originalID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, sqlCountObjectsByOriginalId, originalID).Scan(&n)
	return n, err
}
