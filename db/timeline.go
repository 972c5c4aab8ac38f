package db

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Timeline queries. Replies are never listed at the top level, only counted.
const (
	sqlTimelineSelect = `SELECT o.id, o.actor_id, o.object_id, o.published_at, o.created_at,
			obj.original_object_id, obj.original_actor_id, obj.type, obj.properties, obj.local, obj.created_at,
			(SELECT COUNT(*) FROM actor_replies r WHERE r.in_reply_to_object_id = obj.id),
			(SELECT COUNT(*) FROM actor_reactions x WHERE x.object_id = obj.id AND x.kind = 'like'),
			(SELECT COUNT(*) FROM actor_reactions x WHERE x.object_id = obj.id AND x.kind = 'reblog'),
			EXISTS(SELECT 1 FROM actor_reactions x WHERE x.object_id = obj.id AND x.kind = 'like' AND x.actor_id = ?),
			EXISTS(SELECT 1 FROM actor_reactions x WHERE x.object_id = obj.id AND x.kind = 'reblog' AND x.actor_id = ?)
		FROM outbox_objects o
		INNER JOIN objects obj ON obj.id = o.object_id
		WHERE NOT EXISTS (SELECT 1 FROM actor_replies r WHERE r.object_id = obj.id)
			AND (o.published_at, o.id) < (?, ?)`

	sqlTimelineHomeScope = `
			AND (o.actor_id = ? OR o.actor_id IN (
				SELECT f.target_actor_id FROM actor_following f WHERE f.actor_id = ? AND f.state = 'accepted'))`

	sqlTimelinePublicScope = `
			AND (? = 0 OR obj.local = 0)
			AND (? = 0 OR obj.local = 1)
			AND (? = 0 OR COALESCE(json_array_length(obj.properties, '$.attachment'), 0) > 0
				OR json_type(obj.properties, '$.attachment') = 'object')`

	sqlTimelineOrder = `
		ORDER BY o.published_at DESC, o.id DESC LIMIT ?`
)

// Cursor is a keyset position in an outbox ordering: entries strictly older than
// (PublishedAt, Id) come next.
type Cursor struct {
	PublishedAt time.Time
	Id          uuid.UUID
}

// String encodes the cursor as <unix-micro>_<uuid>.
func (c Cursor) String() string {
	return fmt.Sprintf("%d_%s", c.PublishedAt.UnixMicro(), c.Id)
}

func ParseCursor(s string) (*Cursor, error) {
	micros, id, ok := strings.Cut(s, "_")
	if !ok {
		return nil, domain.NewValidationError("invalid cursor %q", s)
	}
	v, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return nil, domain.NewValidationError("invalid cursor %q", s)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, domain.NewValidationError("invalid cursor %q", s)
	}
	return &Cursor{PublishedAt: time.UnixMicro(v).UTC(), Id: uid}, nil
}

func (c *Cursor) bounds() (int64, string) {
	if c == nil {
		// "~" sorts after every hyphenated hex id.
		return math.MaxInt64, "~"
	}
	return c.PublishedAt.UnixMicro(), c.Id.String()
}

// PublicFilter restricts the public timeline. Remote keeps only remote objects,
// Local only local ones.
type PublicFilter struct {
	Local     bool
	Remote    bool
	OnlyMedia bool
}

// TimelineRow is one outbox entry with its object, counters and the viewer's flags.
type TimelineRow struct {
	Entry           domain.OutboxEntry
	Object          domain.Object
	RepliesCount    int
	FavouritesCount int
	ReblogsCount    int
	Favourited      bool
	Reblogged       bool
}

// Cursor returns the position after this row.
func (r TimelineRow) Cursor() Cursor {
	return Cursor{PublishedAt: r.Entry.PublishedAt, Id: r.Entry.Id}
}

// ReadHomeTimeline lists the viewer's entries and those of accepted followees.
func (q *Queries) ReadHomeTimeline(ctx context.Context, viewerID string, before *Cursor, limit int) ([]TimelineRow, error) {
	beforeTime, beforeID := before.bounds()
	query := sqlTimelineSelect + sqlTimelineHomeScope + sqlTimelineOrder
	return q.readTimeline(ctx, query, viewerID, viewerID, beforeTime, beforeID, viewerID, viewerID, limit)
}

// ReadPublicTimeline lists all entries matching the filter. viewerID may be empty.
func (q *Queries) ReadPublicTimeline(ctx context.Context, viewerID string, filter PublicFilter, before *Cursor, limit int) ([]TimelineRow, error) {
	beforeTime, beforeID := before.bounds()
	query := sqlTimelineSelect + sqlTimelinePublicScope + sqlTimelineOrder
	return q.readTimeline(ctx, query, viewerID, viewerID, beforeTime, beforeID,
		boolToInt(filter.Remote), boolToInt(filter.Local), boolToInt(filter.OnlyMedia), limit)
}

func (q *Queries) readTimeline(ctx context.Context, query string, args ...interface{}) ([]TimelineRow, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		var published, created, objCreated int64
		var props string
		var local int
		if err := rows.Scan(
			&row.Entry.Id, &row.Entry.ActorId, &row.Entry.ObjectId, &published, &created,
			&row.Object.OriginalObjectId, &row.Object.OriginalActorId, &row.Object.Type, &props, &local, &objCreated,
			&row.RepliesCount, &row.FavouritesCount, &row.ReblogsCount,
			&row.Favourited, &row.Reblogged,
		); err != nil {
			return out, err
		}
		row.Entry.PublishedAt = fromMicros(published)
		row.Entry.CreatedAt = fromMicros(created)
		row.Object.Id = row.Entry.ObjectId
		row.Object.Local = local == 1
		row.Object.CreatedAt = fromMicros(objCreated)
		if row.Object.Properties, err = domain.UnmarshalProperties(props); err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
