package activitypub

import (
	"context"
	"encoding/json"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type handlerFunc func(ctx context.Context, a *Activity) (*effects, error)

// Dispatcher routes inbound activities to their handlers. Each handler resolves
// what it needs first, then applies every mutation in one transaction; deliveries
// and notification fan-out happen after the commit.
type Dispatcher struct {
	federation
	handlers map[ActivityType]handlerFunc
}

func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{federation: newFederation(opts)}
	d.handlers = map[ActivityType]handlerFunc{
		TypeFollow:   d.handleFollow,
		TypeAccept:   d.handleAccept,
		TypeReject:   d.handleReject,
		TypeCreate:   d.handleCreate,
		TypeUpdate:   d.handleUpdate,
		TypeAnnounce: d.handleAnnounce,
		TypeLike:     d.handleLike,
		TypeUndo:     d.handleUndo,
		TypeDelete:   d.handleDelete,
	}
	return d
}

// Dispatch parses and processes a raw activity body.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) error {
	a, err := ParseActivity(body)
	if err != nil {
		return err
	}
	return d.DispatchActivity(ctx, a)
}

func (d *Dispatcher) DispatchActivity(ctx context.Context, a *Activity) error {
	ctx, span := tracer.Start(ctx, "ActivityPub.Dispatcher.Dispatch", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("activity.type", string(a.Type)),
		attribute.String("activity.actor", a.Actor),
	)

	handler, ok := d.handlers[a.Type]
	if !ok {
		d.log.Debug("Ignoring unsupported activity", zap.String("activity_type", string(a.Type)), zap.String("actor", a.Actor))
		return &domain.UnsupportedActivityError{Type: string(a.Type)}
	}
	if err := a.validateShape(); err != nil {
		span.RecordError(err)
		return err
	}

	if a.Id != "" {
		processed, err := d.db.IsActivityProcessed(ctx, a.Id)
		if err != nil {
			span.RecordError(errors.Wrap(err, "Dispatcher.Dispatch: IsActivityProcessed failed"))
			return err
		}
		if processed {
			d.log.Debug("Skipping already processed activity", zap.String("activity_id", a.Id))
			return nil
		}
	}

	e, err := handler(ctx, a)
	if errors.Is(err, errAlreadyProcessed) {
		d.log.Debug("Skipping already processed activity", zap.String("activity_id", a.Key()))
		return nil
	}
	if err != nil {
		span.RecordError(errors.Wrap(err, "Dispatcher.Dispatch: handler failed"))
		d.log.Info("Failed to handle activity",
			zap.String("activity_type", string(a.Type)),
			zap.String("actor", a.Actor),
			zap.Error(err))
		return err
	}

	d.log.Info("Processed activity", zap.String("activity_type", string(a.Type)), zap.String("actor", a.Actor))
	d.afterCommit(ctx, e)
	return nil
}

func (d *Dispatcher) handleFollow(ctx context.Context, a *Activity) (*effects, error) {
	follower, err := d.resolveActor(ctx, a.Actor)
	if err != nil {
		return nil, err
	}
	target, err := d.resolveActor(ctx, a.ObjectID())
	if err != nil {
		return nil, err
	}
	if !follower.IsLocal() && !target.IsLocal() {
		return nil, domain.NewValidationError("follow between two remote actors")
	}

	return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error {
		_, err := d.applyFollow(ctx, q, e, follower, target, a.Id)
		return err
	})
}

// applyFollow records a follow request. A local target that does not approve
// followers manually accepts at once and answers a remote follower with an Accept.
func (f *federation) applyFollow(ctx context.Context, q *db.Queries, e *effects, follower, target *domain.Actor, uri string) (*domain.Follow, error) {
	prev, err := q.ReadFollow(ctx, follower.Id, target.Id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	fresh := prev == nil || prev.State == domain.FollowRejected

	follow, err := q.RequestFollow(ctx, follower.Id, target.Id, uri)
	if err != nil {
		return nil, err
	}
	if !target.IsLocal() {
		return follow, nil
	}

	if follow.State == domain.FollowPending && !target.ManuallyApprovesFollowers {
		follow, err = q.AcceptFollow(ctx, follower.Id, target.Id)
		if err != nil {
			return nil, err
		}
	}

	if fresh {
		kind := domain.NotificationFollowRequest
		if follow.State == domain.FollowAccepted {
			kind = domain.NotificationFollow
		}
		if err := e.notify(ctx, q, kind, target.Id, follower.Id, nil); err != nil {
			return nil, err
		}
	}

	if follow.State == domain.FollowAccepted {
		e.deliverTo(target, BuildAccept(f.baseURL, target, follow), follower)
	}
	return follow, nil
}

func (d *Dispatcher) handleAccept(ctx context.Context, a *Activity) (*effects, error) {
	return d.handleFollowResponse(ctx, a, domain.FollowAccepted)
}

func (d *Dispatcher) handleReject(ctx context.Context, a *Activity) (*effects, error) {
	return d.handleFollowResponse(ctx, a, domain.FollowRejected)
}

func (d *Dispatcher) handleFollowResponse(ctx context.Context, a *Activity, state domain.FollowState) (*effects, error) {
	obj, _ := a.ObjectProps()
	if t := obj.String("type"); t != "" && t != string(TypeFollow) {
		return nil, domain.NewValidationError("cannot %s an object of type %s", a.Type, t)
	}

	followerID := obj.Ref("actor")
	targetID := obj.Ref("object")
	if followerID == "" || targetID == "" {
		if uri := obj.String("id"); uri != "" {
			follow, err := d.db.ReadFollowByURI(ctx, uri)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, err
			}
			if follow != nil {
				followerID, targetID = follow.ActorId, follow.TargetActorId
			}
		}
	}
	if followerID == "" || targetID == "" {
		return nil, domain.NewValidationError("embedded Follow is missing its actor or object")
	}
	if a.Actor != targetID {
		return nil, &domain.AuthorizationError{Reason: "actorid mismatch when answering follow"}
	}

	return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error {
		var err error
		if state == domain.FollowAccepted {
			_, err = q.AcceptFollow(ctx, followerID, targetID)
		} else {
			_, err = q.RejectFollow(ctx, followerID, targetID)
		}
		return err
	})
}

func (d *Dispatcher) handleCreate(ctx context.Context, a *Activity) (*effects, error) {
	obj, _ := a.ObjectProps()
	objectID := obj.String("id")
	if objectID == "" {
		return nil, domain.NewValidationError("`activity.object.id` is missing")
	}
	if author := obj.Ref("attributedTo"); author != "" && author != a.Actor {
		return nil, &domain.AuthorizationError{Reason: "actorid mismatch when creating object"}
	}

	actor, err := d.resolveActor(ctx, a.Actor)
	if err != nil {
		return nil, err
	}
	existing, err := d.db.ReadObjectByOriginalId(ctx, objectID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.OriginalActorId != actor.Id {
		return nil, &domain.AuthorizationError{Reason: "actorid mismatch when creating object"}
	}

	var parent *domain.Object
	if ref := obj.Ref("inReplyTo"); ref != "" {
		parent, err = d.db.ReadObjectByOriginalId(ctx, ref)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	mentioned, err := d.localMentions(ctx, obj)
	if err != nil {
		return nil, err
	}

	published := parsePublished(obj)
	if published.IsZero() {
		published = a.Published()
	}

	return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error {
		stored, created, err := q.CacheObject(ctx, obj, actor.Id, objectID, actor.IsLocal())
		if err != nil {
			return err
		}
		if _, _, err := q.AddOutboxEntry(ctx, actor.Id, stored.Id, published); err != nil {
			return err
		}
		if parent != nil {
			if err := q.InsertReply(ctx, stored.Id, parent.Id, actor.Id); err != nil {
				return err
			}
		}
		if !created {
			return nil
		}
		return notifyRecipients(ctx, q, e, actor, stored, parent, mentioned)
	})
}

// notifyRecipients sends mention notifications and a reply notification to a local
// parent author who was not already mentioned.
func notifyRecipients(ctx context.Context, q *db.Queries, e *effects, author *domain.Actor, obj, parent *domain.Object, mentioned []*domain.Actor) error {
	notified := map[string]bool{author.Id: true}
	for _, m := range mentioned {
		if notified[m.Id] {
			continue
		}
		notified[m.Id] = true
		if err := e.notify(ctx, q, domain.NotificationMention, m.Id, author.Id, &obj.Id); err != nil {
			return err
		}
	}
	if parent == nil || notified[parent.OriginalActorId] {
		return nil
	}
	parentAuthor, err := readAuthor(ctx, q, parent)
	if err != nil {
		return err
	}
	if parentAuthor != nil && parentAuthor.IsLocal() {
		return e.notify(ctx, q, domain.NotificationReply, parentAuthor.Id, author.Id, &obj.Id)
	}
	return nil
}

// localMentions returns the local actors named in Mention tags.
func (d *Dispatcher) localMentions(ctx context.Context, props domain.Properties) ([]*domain.Actor, error) {
	obj := domain.Object{Properties: props}
	var out []*domain.Actor
	for _, href := range obj.Mentions() {
		actor, err := d.db.ReadActorById(ctx, href)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if actor.IsLocal() {
			out = append(out, actor)
		}
	}
	return out, nil
}

func (d *Dispatcher) handleUpdate(ctx context.Context, a *Activity) (*effects, error) {
	obj, _ := a.ObjectProps()
	objectID := obj.String("id")
	if objectID == "" {
		return nil, domain.NewValidationError("`activity.object.id` is missing")
	}
	if actorTypes[obj.String("type")] {
		return d.updateActor(ctx, a, obj)
	}

	stored, err := d.db.ReadObjectByOriginalId(ctx, objectID)
	if err != nil {
		return nil, err
	}
	if stored.OriginalActorId != a.Actor {
		return nil, &domain.AuthorizationError{Reason: "actorid mismatch when updating object"}
	}

	return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error {
		return q.UpdateObjectProperties(ctx, objectID, obj)
	})
}

// updateActor refreshes a remote actor's profile from the embedded document.
func (d *Dispatcher) updateActor(ctx context.Context, a *Activity, props domain.Properties) (*effects, error) {
	if props.String("id") != a.Actor {
		return nil, &domain.AuthorizationError{Reason: "actorid mismatch when updating actor"}
	}
	existing, err := d.db.ReadActorById(ctx, a.Actor)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.IsLocal() {
		return nil, &domain.AuthorizationError{Reason: "local actors cannot be updated remotely"}
	}

	updated, err := ActorFromProperties(props)
	if err != nil {
		return nil, err
	}
	updated.LastFetchedAt = d.actors.now()
	updated.CreatedAt = updated.LastFetchedAt

	return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error {
		return q.UpsertRemoteActor(ctx, updated)
	})
}

// objectRef is an activity's object, either already stored or ready to be cached.
type objectRef struct {
	id     string
	stored *domain.Object
	props  domain.Properties
	author *domain.Actor
}

func (r *objectRef) store(ctx context.Context, q *db.Queries) (*domain.Object, error) {
	if r.stored != nil {
		return r.stored, nil
	}
	obj, _, err := q.CacheObject(ctx, r.props, r.author.Id, r.id, r.author.IsLocal())
	return obj, err
}

// resolveObject finds the object of a Like or Announce. An unseen object is taken
// from the activity when embedded, fetched from its origin otherwise, and attributed
// to fallback when it carries no attributedTo.
func (d *Dispatcher) resolveObject(ctx context.Context, a *Activity, fallback *domain.Actor) (*objectRef, error) {
	id := a.ObjectID()
	if id == "" {
		return nil, domain.NewValidationError("`activity.object` is missing")
	}

	stored, err := d.db.ReadObjectByOriginalId(ctx, id)
	if err == nil {
		author, err := readAuthor(ctx, d.db.Queries, stored)
		if err != nil {
			return nil, err
		}
		return &objectRef{id: id, stored: stored, author: author}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if d.isLocalID(id) {
		return nil, err
	}

	props, embedded := a.ObjectProps()
	if !embedded || props.String("type") == "" {
		if d.fetcher == nil {
			return nil, err
		}
		props, err = d.fetchObject(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	author := fallback
	if authorID := props.Ref("attributedTo"); authorID != "" && authorID != fallback.Id {
		author, err = d.resolveActor(ctx, authorID)
		if err != nil {
			return nil, err
		}
	}
	return &objectRef{id: id, props: props, author: author}, nil
}

func (d *Dispatcher) fetchObject(ctx context.Context, id string) (domain.Properties, error) {
	body, err := d.fetcher.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	props := domain.Properties{}
	if err := json.Unmarshal(body, &props); err != nil {
		return nil, &domain.DeliveryError{URL: id, Err: errors.Wrap(err, "failed to parse object JSON")}
	}
	if props.String("id") != id {
		return nil, domain.NewValidationError("object document %s has id %s", id, props.String("id"))
	}
	return props, nil
}

func (d *Dispatcher) handleAnnounce(ctx context.Context, a *Activity) (*effects, error) {
	announcer, err := d.resolveActor(ctx, a.Actor)
	if err != nil {
		return nil, err
	}
	target, err := d.resolveObject(ctx, a, announcer)
	if err != nil {
		return nil, err
	}

	return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error {
		obj, err := target.store(ctx, q)
		if err != nil {
			return err
		}
		if _, _, err := q.AddOutboxEntry(ctx, announcer.Id, obj.Id, a.Published()); err != nil {
			return err
		}
		created, err := q.InsertReaction(ctx, domain.ReactionReblog, announcer.Id, obj.Id, a.Id)
		if err != nil {
			return err
		}
		if created && target.author != nil && target.author.IsLocal() && target.author.Id != announcer.Id {
			return e.notify(ctx, q, domain.NotificationReblog, target.author.Id, announcer.Id, &obj.Id)
		}
		return nil
	})
}

func (d *Dispatcher) handleLike(ctx context.Context, a *Activity) (*effects, error) {
	actor, err := d.resolveActor(ctx, a.Actor)
	if err != nil {
		return nil, err
	}
	target, err := d.resolveObject(ctx, a, actor)
	if err != nil {
		return nil, err
	}

	return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error {
		obj, err := target.store(ctx, q)
		if err != nil {
			return err
		}
		created, err := q.InsertReaction(ctx, domain.ReactionLike, actor.Id, obj.Id, a.Id)
		if err != nil {
			return err
		}
		if created && target.author != nil && target.author.IsLocal() && target.author.Id != actor.Id {
			return e.notify(ctx, q, domain.NotificationFavourite, target.author.Id, actor.Id, &obj.Id)
		}
		return nil
	})
}

func (d *Dispatcher) handleUndo(ctx context.Context, a *Activity) (*effects, error) {
	inner, err := d.undoneActivity(ctx, a)
	if err != nil {
		return nil, err
	}
	if inner == nil {
		d.log.Debug("Undo of an unknown activity", zap.String("object", a.ObjectID()))
		return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error { return nil })
	}
	if inner.Actor != a.Actor {
		return nil, &domain.AuthorizationError{Reason: "actorid mismatch when undoing activity"}
	}

	switch inner.Type {
	case TypeFollow:
		return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error {
			_, err := q.DeleteFollow(ctx, a.Actor, inner.ObjectID())
			return err
		})
	case TypeLike, TypeAnnounce:
		obj, err := d.db.ReadObjectByOriginalId(ctx, inner.ObjectID())
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error {
			if obj == nil {
				return nil
			}
			if inner.Type == TypeLike {
				_, err := q.DeleteReaction(ctx, domain.ReactionLike, a.Actor, obj.Id)
				return err
			}
			removed, err := q.DeleteReaction(ctx, domain.ReactionReblog, a.Actor, obj.Id)
			if err != nil || !removed {
				return err
			}
			return removeAnnounceEntry(ctx, q, a.Actor, obj)
		})
	default:
		return nil, &domain.UnsupportedActivityError{Type: "Undo " + string(inner.Type)}
	}
}

// undoneActivity resolves the object of an Undo: an embedded activity, or a URI
// looked up in the activity log and then in the follow and reaction ledgers.
func (d *Dispatcher) undoneActivity(ctx context.Context, a *Activity) (*Activity, error) {
	uri := a.ObjectID()
	if props, ok := a.ObjectProps(); ok && props.String("type") != "" {
		if props.Ref("actor") == "" {
			copied := domain.Properties{"actor": a.Actor}
			for k, v := range props {
				copied[k] = v
			}
			props = copied
		}
		return activityFromProperties(props)
	}
	if uri == "" {
		return nil, domain.NewValidationError("`activity.object` is missing")
	}

	record, err := d.db.ReadActivityByURI(ctx, uri)
	if err == nil {
		return ParseActivity([]byte(record.RawJSON))
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	follow, err := d.db.ReadFollowByURI(ctx, uri)
	if err == nil {
		return syntheticActivity(uri, TypeFollow, follow.ActorId, follow.TargetActorId), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	reaction, err := d.db.ReadReactionByURI(ctx, uri)
	if err == nil {
		obj, err := d.db.ReadObjectById(ctx, reaction.ObjectId)
		if err != nil {
			return nil, err
		}
		kind := TypeLike
		if reaction.Kind == domain.ReactionReblog {
			kind = TypeAnnounce
		}
		return syntheticActivity(uri, kind, reaction.ActorId, obj.OriginalObjectId), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

func syntheticActivity(id string, kind ActivityType, actor, object string) *Activity {
	props := domain.Properties{
		"id":     id,
		"type":   string(kind),
		"actor":  actor,
		"object": object,
	}
	return &Activity{Id: id, Type: kind, Actor: actor, Object: object, Props: props}
}

func (d *Dispatcher) handleDelete(ctx context.Context, a *Activity) (*effects, error) {
	objectID := a.ObjectID()
	if objectID == a.Actor {
		return d.deleteActor(ctx, a)
	}

	stored, err := d.db.ReadObjectByOriginalId(ctx, objectID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if stored != nil && stored.OriginalActorId != a.Actor {
		return nil, &domain.AuthorizationError{Reason: "actorid mismatch when deleting object"}
	}

	return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error {
		if stored == nil {
			return nil
		}
		_, err := q.DeleteObject(ctx, objectID)
		return err
	})
}

// deleteActor removes a remote actor together with its follow relations.
func (d *Dispatcher) deleteActor(ctx context.Context, a *Activity) (*effects, error) {
	actor, err := d.db.ReadActorById(ctx, a.Actor)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if actor != nil && actor.IsLocal() {
		return nil, &domain.AuthorizationError{Reason: "local actors cannot be deleted remotely"}
	}

	return d.commit(ctx, a, false, func(q *db.Queries, e *effects) error {
		if actor == nil {
			return nil
		}
		if err := q.DeleteFollowsOfActor(ctx, actor.Id); err != nil {
			return err
		}
		return q.DeleteRemoteActor(ctx, actor.Id)
	})
}
