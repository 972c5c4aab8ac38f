package timeline

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("timeline")

const (
	DefaultLimit = 20
	MaxLimit     = 40

	KindHome   = "home"
	KindPublic = "public"
)

// Page selects a slice of a timeline. An empty MaxID starts at the newest entry.
type Page struct {
	MaxID string
	Limit int
}

// ParsePage reads max_id and limit query values.
func ParsePage(maxID, limit string) (Page, error) {
	p := Page{MaxID: maxID}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return p, domain.NewValidationError("invalid limit %q", limit)
		}
		p.Limit = n
	}
	return p, nil
}

func (p Page) first() bool {
	return p.MaxID == ""
}

func (p Page) bounds() (*db.Cursor, int, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if p.MaxID == "" {
		return nil, limit, nil
	}
	c, err := db.ParseCursor(p.MaxID)
	return c, limit, err
}

// Result is a rendered page. Next is the max_id of the following page, empty at the end.
type Result struct {
	Body []byte
	Next string
}

// Builder assembles home and public timelines.
type Builder struct {
	db    *db.DB
	cache Cache
	ttl   time.Duration
	log   *zap.Logger
}

// NewBuilder returns a Builder. cache may be nil.
func NewBuilder(database *db.DB, cache Cache, ttl time.Duration, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{db: database, cache: cache, ttl: ttl, log: log}
}

// Home lists the viewer's own entries and those of accounts it follows.
func (b *Builder) Home(ctx context.Context, viewer *domain.Actor, page Page) ([]Status, string, error) {
	before, limit, err := page.bounds()
	if err != nil {
		return nil, "", err
	}
	rows, err := b.db.ReadHomeTimeline(ctx, viewer.Id, before, limit)
	if err != nil {
		return nil, "", err
	}
	return b.render(ctx, rows, limit)
}

// Public lists every entry matching filter. viewerID may be empty.
func (b *Builder) Public(ctx context.Context, viewerID string, filter db.PublicFilter, page Page) ([]Status, string, error) {
	before, limit, err := page.bounds()
	if err != nil {
		return nil, "", err
	}
	rows, err := b.db.ReadPublicTimeline(ctx, viewerID, filter, before, limit)
	if err != nil {
		return nil, "", err
	}
	return b.render(ctx, rows, limit)
}

// HomeJSON renders the home timeline, serving the first page from the cache.
func (b *Builder) HomeJSON(ctx context.Context, viewer *domain.Actor, page Page) (*Result, error) {
	return b.cached(ctx, CacheKey(viewer.Id, KindHome), page, func() ([]Status, string, error) {
		return b.Home(ctx, viewer, page)
	})
}

// PublicJSON renders the public timeline, serving the first page from the cache.
func (b *Builder) PublicJSON(ctx context.Context, viewerID string, filter db.PublicFilter, page Page) (*Result, error) {
	return b.cached(ctx, CacheKey(viewerID, publicKind(filter)), page, func() ([]Status, string, error) {
		return b.Public(ctx, viewerID, filter, page)
	})
}

// Status renders a single object with its counters and the viewer's flags.
// viewerID may be empty.
func (b *Builder) Status(ctx context.Context, viewerID string, obj *domain.Object) (*Status, error) {
	row := db.TimelineRow{
		Object: *obj,
		Entry:  domain.OutboxEntry{ActorId: obj.OriginalActorId, ObjectId: obj.Id, PublishedAt: obj.CreatedAt},
	}
	entry, err := b.db.ReadOutboxEntry(ctx, obj.OriginalActorId, obj.Id)
	switch {
	case err == nil:
		row.Entry = *entry
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	if row.RepliesCount, err = b.db.ReplyCount(ctx, obj.Id); err != nil {
		return nil, err
	}
	if row.FavouritesCount, err = b.db.CountReactions(ctx, domain.ReactionLike, obj.Id); err != nil {
		return nil, err
	}
	if row.ReblogsCount, err = b.db.CountReactions(ctx, domain.ReactionReblog, obj.Id); err != nil {
		return nil, err
	}
	if viewerID != "" {
		if row.Favourited, err = b.db.HasReacted(ctx, domain.ReactionLike, viewerID, obj.Id); err != nil {
			return nil, err
		}
		if row.Reblogged, err = b.db.HasReacted(ctx, domain.ReactionReblog, viewerID, obj.Id); err != nil {
			return nil, err
		}
	}

	statuses, _, err := b.render(ctx, []db.TimelineRow{row}, 0)
	if err != nil {
		return nil, err
	}
	return &statuses[0], nil
}

// Invalidate drops the cached home page of an actor.
func (b *Builder) Invalidate(ctx context.Context, actorID string) {
	if b.cache == nil {
		return
	}
	if err := b.cache.Delete(ctx, CacheKey(actorID, KindHome)); err != nil {
		b.log.Warn("Failed to invalidate timeline cache", zap.String("actor", actorID), zap.Error(err))
	}
}

func (b *Builder) cached(ctx context.Context, key string, page Page, build func() ([]Status, string, error)) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Timeline.Builder.Render")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	useCache := b.cache != nil && page.first() && page.Limit == 0
	if useCache {
		raw, found, err := b.cache.Get(ctx, key)
		if err != nil {
			span.RecordError(errors.Wrap(err, "Builder.cached: cache get failed"))
			b.log.Warn("Failed to read timeline cache", zap.String("key", key), zap.Error(err))
		}
		if found {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return decodeCached(raw), nil
		}
	}

	statuses, next, err := build()
	if err != nil {
		span.RecordError(errors.Wrap(err, "Builder.cached: build failed"))
		return nil, err
	}
	body, err := json.Marshal(statuses)
	if err != nil {
		return nil, err
	}
	res := &Result{Body: body, Next: next}

	if useCache {
		if err := b.cache.Put(ctx, key, encodeCached(res), b.ttl); err != nil {
			span.RecordError(errors.Wrap(err, "Builder.cached: cache put failed"))
			b.log.Warn("Failed to write timeline cache", zap.String("key", key), zap.Error(err))
		}
	}
	return res, nil
}

// Cached pages are stored as the next cursor, a newline, then the body.
func encodeCached(r *Result) []byte {
	return append([]byte(r.Next+"\n"), r.Body...)
}

func decodeCached(raw []byte) *Result {
	next, body, found := bytes.Cut(raw, []byte("\n"))
	if !found {
		return &Result{Body: raw}
	}
	return &Result{Body: body, Next: string(next)}
}

func publicKind(f db.PublicFilter) string {
	parts := []string{KindPublic}
	if f.Local {
		parts = append(parts, "local")
	}
	if f.Remote {
		parts = append(parts, "remote")
	}
	if f.OnlyMedia {
		parts = append(parts, "media")
	}
	return strings.Join(parts, ":")
}

func (b *Builder) render(ctx context.Context, rows []db.TimelineRow, limit int) ([]Status, string, error) {
	actors := map[string]*domain.Actor{}
	lookup := func(id string) (*domain.Actor, error) {
		if a, ok := actors[id]; ok {
			return a, nil
		}
		a, err := b.db.ReadActorById(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		actors[id] = a
		return a, nil
	}

	statuses := make([]Status, 0, len(rows))
	for _, row := range rows {
		author, err := lookup(row.Object.OriginalActorId)
		if err != nil {
			return nil, "", err
		}
		sharer, err := lookup(row.Entry.ActorId)
		if err != nil {
			return nil, "", err
		}
		statuses = append(statuses, NewStatus(row, author, sharer))
	}

	next := ""
	if len(rows) == limit {
		next = rows[len(rows)-1].Cursor().String()
	}
	return statuses, next, nil
}
