package activitypub

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/notify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("activitypub")

// errAlreadyProcessed aborts the transaction of an activity seen before.
var errAlreadyProcessed = errors.New("activity already processed")

// Options wires the collaborators shared by the Dispatcher and the Outbox.
type Options struct {
	DB        *db.DB
	Fetcher   Fetcher
	Deliverer Deliverer
	Publisher notify.Publisher
	BaseURL   string
	Log       *zap.Logger
}

type federation struct {
	db        *db.DB
	actors    *ActorResolver
	fetcher   Fetcher
	deliverer Deliverer
	publisher notify.Publisher
	baseURL   string
	log       *zap.Logger
}

func newFederation(opts Options) federation {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return federation{
		db:        opts.DB,
		actors:    NewActorResolver(opts.DB, opts.Fetcher, log),
		fetcher:   opts.Fetcher,
		deliverer: opts.Deliverer,
		publisher: publisher,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		log:       log,
	}
}

// outgoing is an activity to deliver once the transaction committed.
type outgoing struct {
	sender   *domain.Actor
	inboxes  []string
	activity map[string]interface{}
}

// effects collects the post-commit work of one activity.
type effects struct {
	deliveries    []outgoing
	notifications []domain.Notification
}

func (e *effects) deliver(sender *domain.Actor, activity map[string]interface{}, inboxes ...string) {
	if len(inboxes) == 0 {
		return
	}
	e.deliveries = append(e.deliveries, outgoing{sender: sender, inboxes: inboxes, activity: activity})
}

// deliverTo addresses the personal inbox of each remote recipient.
func (e *effects) deliverTo(sender *domain.Actor, activity map[string]interface{}, recipients ...*domain.Actor) {
	var inboxes []string
	for _, r := range recipients {
		if r == nil || r.IsLocal() || r.InboxURI == "" {
			continue
		}
		inboxes = append(inboxes, r.InboxURI)
	}
	e.deliver(sender, activity, inboxes...)
}

func (e *effects) notify(ctx context.Context, q *db.Queries, kind domain.NotificationType, recipient, from string, objectID *uuid.UUID) error {
	n := domain.Notification{
		Type:        kind,
		ActorId:     recipient,
		FromActorId: from,
		ObjectId:    objectID,
	}
	if err := q.CreateNotification(ctx, &n); err != nil {
		return err
	}
	e.notifications = append(e.notifications, n)
	return nil
}

// isLocalID reports whether id was minted by this server.
func (f *federation) isLocalID(id string) bool {
	return f.baseURL != "" && strings.HasPrefix(id, f.baseURL+"/")
}

// resolveActor reads local actors from the directory and fetches unseen remote ones.
func (f *federation) resolveActor(ctx context.Context, id string) (*domain.Actor, error) {
	if id == "" {
		return nil, domain.NewValidationError("actor id is missing")
	}
	if f.isLocalID(id) {
		return f.db.ReadActorById(ctx, id)
	}
	return f.actors.GetOrFetchActor(ctx, id)
}

// readAuthor returns the stored author of an object, or nil when it is not in the directory.
func readAuthor(ctx context.Context, q *db.Queries, obj *domain.Object) (*domain.Actor, error) {
	author, err := q.ReadActorById(ctx, obj.OriginalActorId)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return author, err
}

// removeAnnounceEntry drops the outbox entry an announce added. The author's own
// entry for the object stays, since announcing it added none.
func removeAnnounceEntry(ctx context.Context, q *db.Queries, actorID string, obj *domain.Object) error {
	if obj.OriginalActorId == actorID {
		return nil
	}
	_, err := q.DeleteOutboxEntry(ctx, actorID, obj.Id)
	return err
}

// commit runs fn in one transaction together with recording the activity as processed.
// Recording an activity key a second time aborts with errAlreadyProcessed.
func (f *federation) commit(ctx context.Context, a *Activity, local bool, fn func(q *db.Queries, e *effects) error) (*effects, error) {
	raw := string(a.Raw)
	if raw == "" {
		b, err := json.Marshal(a.Props)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}

	var e *effects
	err := f.db.WithTx(ctx, func(q *db.Queries) error {
		e = &effects{}
		created, err := q.RecordActivity(ctx, &domain.Activity{
			ActivityURI:  a.Key(),
			ActivityType: string(a.Type),
			ActorURI:     a.Actor,
			ObjectURI:    a.ObjectID(),
			RawJSON:      raw,
			Processed:    true,
			Local:        local,
		})
		if err != nil {
			return err
		}
		if !created {
			return errAlreadyProcessed
		}
		return fn(q, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// afterCommit runs deliveries and notification fan-out. Failures are logged and
// never undo the committed state.
func (f *federation) afterCommit(ctx context.Context, e *effects) {
	if e == nil {
		return
	}
	for _, n := range e.notifications {
		if err := f.publisher.Publish(ctx, n); err != nil {
			f.log.Warn("Failed to publish notification", zap.String("type", string(n.Type)), zap.Error(err))
		}
	}
	if f.deliverer == nil {
		return
	}
	for _, out := range e.deliveries {
		body, err := marshalActivity(out.activity)
		if err != nil {
			f.log.Error("Failed to marshal activity", zap.Error(err))
			continue
		}
		seen := map[string]bool{}
		for _, inbox := range out.inboxes {
			if inbox == "" || seen[inbox] {
				continue
			}
			seen[inbox] = true
			if err := f.deliverer.Deliver(ctx, out.sender, inbox, body); err != nil {
				f.log.Warn("Failed to deliver activity",
					zap.String("type", activityType(out.activity)),
					zap.String("inbox", inbox),
					zap.Error(err))
			}
		}
	}
}

func activityType(a map[string]interface{}) string {
	t, _ := a["type"].(string)
	return t
}

// activityOf turns a built activity into the parsed form used for logging.
func activityOf(a map[string]interface{}) *Activity {
	props := domain.Properties(a)
	return &Activity{
		Id:     props.String("id"),
		Type:   ActivityType(props.String("type")),
		Actor:  props.Ref("actor"),
		Object: props["object"],
		Props:  props,
	}
}
