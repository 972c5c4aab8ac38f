package activitypub

import (
	"context"
	"strings"
	"time"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Outbox performs the activities of local actors: it applies them to the store
// and delivers them to the remote actors concerned.
type Outbox struct {
	federation
}

func NewOutbox(opts Options) *Outbox {
	return &Outbox{federation: newFederation(opts)}
}

// run commits a locally built activity and then delivers it.
func (o *Outbox) run(ctx context.Context, activity map[string]interface{}, fn func(q *db.Queries, e *effects) error) error {
	a := activityOf(activity)
	ctx, span := tracer.Start(ctx, "ActivityPub.Outbox."+string(a.Type), trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(attribute.String("activity.actor", a.Actor))

	e, err := o.commit(ctx, a, true, fn)
	if err != nil {
		span.RecordError(errors.Wrap(err, "Outbox: commit failed"))
		return err
	}
	o.log.Info("Sent activity", zap.String("activity_type", string(a.Type)), zap.String("actor", a.Actor))
	o.afterCommit(ctx, e)
	return nil
}

func requireLocal(actor *domain.Actor) error {
	if actor == nil || !actor.IsLocal() {
		return &domain.AuthorizationError{Reason: "only local actors can publish"}
	}
	return nil
}

// PostNote publishes a public Note. inReplyTo is the internal id of the parent, if any.
func (o *Outbox) PostNote(ctx context.Context, author *domain.Actor, text string, inReplyTo *uuid.UUID) (*domain.Object, error) {
	if err := requireLocal(author); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewValidationError("status text is empty")
	}

	var parent *domain.Object
	var parentAuthor *domain.Actor
	if inReplyTo != nil {
		var err error
		parent, err = o.db.ReadObjectById(ctx, *inReplyTo)
		if err != nil {
			return nil, err
		}
		parentAuthor, err = readAuthor(ctx, o.db.Queries, parent)
		if err != nil {
			return nil, err
		}
	}

	mentioned, err := o.resolveMentions(ctx, author, text)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := NewObjectURI(o.baseURL)
	cc := []interface{}{FollowersURI(author)}
	var tags []interface{}
	for _, m := range mentioned {
		cc = append(cc, m.Id)
		tags = append(tags, map[string]interface{}{
			"type": "Mention",
			"href": m.Id,
			"name": "@" + m.Username + "@" + m.Domain,
		})
	}
	props := domain.Properties{
		"id":           id,
		"type":         "Note",
		"attributedTo": author.Id,
		"content":      util.FormatContent(text),
		"published":    now.Format(time.RFC3339),
		"url":          id,
		"to":           []interface{}{domain.PublicCollection},
		"cc":           cc,
	}
	if len(tags) > 0 {
		props["tag"] = tags
	}
	if parent != nil {
		props["inReplyTo"] = parent.OriginalObjectId
	}

	note := &domain.Object{OriginalObjectId: id, OriginalActorId: author.Id, Type: "Note", Properties: props}
	create := BuildCreate(o.baseURL, author, note)

	var stored *domain.Object
	err = o.run(ctx, create, func(q *db.Queries, e *effects) error {
		var err error
		stored, _, err = q.CacheObject(ctx, props, author.Id, id, true)
		if err != nil {
			return err
		}
		if _, _, err := q.AddOutboxEntry(ctx, author.Id, stored.Id, now); err != nil {
			return err
		}
		if parent != nil {
			if err := q.InsertReply(ctx, stored.Id, parent.Id, author.Id); err != nil {
				return err
			}
		}
		if err := notifyRecipients(ctx, q, e, author, stored, parent, localOnly(mentioned)); err != nil {
			return err
		}

		inboxes, err := q.ReadFollowerInboxes(ctx, author.Id)
		if err != nil {
			return err
		}
		e.deliver(author, create, inboxes...)
		e.deliverTo(author, create, append(mentioned, parentAuthor)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// resolveMentions looks up @user and @user@domain mentions among known actors.
// Unknown mentions stay plain text.
func (o *Outbox) resolveMentions(ctx context.Context, author *domain.Actor, text string) ([]*domain.Actor, error) {
	var out []*domain.Actor
	for _, m := range util.ExtractMentions(text) {
		var actor *domain.Actor
		var err error
		if m.Domain == "" || m.Domain == author.Domain {
			actor, err = o.db.ReadLocalActorByUsername(ctx, m.Username)
		} else {
			actor, err = o.db.ReadActorByAcct(ctx, m.Username, m.Domain)
		}
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if actor.Id != author.Id {
			out = append(out, actor)
		}
	}
	return out, nil
}

func localOnly(actors []*domain.Actor) []*domain.Actor {
	var out []*domain.Actor
	for _, a := range actors {
		if a.IsLocal() {
			out = append(out, a)
		}
	}
	return out
}

// Follow requests to follow targetID. Local targets answer immediately.
func (o *Outbox) Follow(ctx context.Context, follower *domain.Actor, targetID string) (*domain.Follow, error) {
	if err := requireLocal(follower); err != nil {
		return nil, err
	}
	target, err := o.resolveActor(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Id == follower.Id {
		return nil, domain.NewValidationError("actors cannot follow themselves")
	}

	activity := BuildFollow(o.baseURL, follower, target)
	var follow *domain.Follow
	err = o.run(ctx, activity, func(q *db.Queries, e *effects) error {
		var err error
		follow, err = o.applyFollow(ctx, q, e, follower, target, activity["id"].(string))
		if err != nil {
			return err
		}
		e.deliverTo(follower, activity, target)
		return nil
	})
	return follow, err
}

// Unfollow removes the relation and tells a remote target with an Undo.
func (o *Outbox) Unfollow(ctx context.Context, follower *domain.Actor, targetID string) error {
	if err := requireLocal(follower); err != nil {
		return err
	}
	follow, err := o.db.ReadFollow(ctx, follower.Id, targetID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	target, err := o.db.ReadActorById(ctx, targetID)
	if err != nil {
		return err
	}

	undo := BuildUndo(o.baseURL, follower, followObject(follow))
	return o.run(ctx, undo, func(q *db.Queries, e *effects) error {
		if _, err := q.DeleteFollow(ctx, follower.Id, targetID); err != nil {
			return err
		}
		e.deliverTo(follower, undo, target)
		return nil
	})
}

// AcceptFollower approves a pending follow request on a manually approving actor.
func (o *Outbox) AcceptFollower(ctx context.Context, target *domain.Actor, followerID string) (*domain.Follow, error) {
	return o.answerFollow(ctx, target, followerID, domain.FollowAccepted)
}

// RejectFollower declines a pending follow request.
func (o *Outbox) RejectFollower(ctx context.Context, target *domain.Actor, followerID string) (*domain.Follow, error) {
	return o.answerFollow(ctx, target, followerID, domain.FollowRejected)
}

func (o *Outbox) answerFollow(ctx context.Context, target *domain.Actor, followerID string, state domain.FollowState) (*domain.Follow, error) {
	if err := requireLocal(target); err != nil {
		return nil, err
	}
	follower, err := o.db.ReadActorById(ctx, followerID)
	if err != nil {
		return nil, err
	}
	pending, err := o.db.ReadFollow(ctx, followerID, target.Id)
	if err != nil {
		return nil, err
	}

	var activity map[string]interface{}
	if state == domain.FollowAccepted {
		activity = BuildAccept(o.baseURL, target, pending)
	} else {
		activity = BuildReject(o.baseURL, target, pending)
	}

	var follow *domain.Follow
	err = o.run(ctx, activity, func(q *db.Queries, e *effects) error {
		var err error
		if state == domain.FollowAccepted {
			follow, err = q.AcceptFollow(ctx, followerID, target.Id)
		} else {
			follow, err = q.RejectFollow(ctx, followerID, target.Id)
		}
		if err != nil {
			return err
		}
		e.deliverTo(target, activity, follower)
		return nil
	})
	return follow, err
}

// react loads an object and its author for a like or reblog.
func (o *Outbox) react(ctx context.Context, actor *domain.Actor, objectID uuid.UUID) (*domain.Object, *domain.Actor, error) {
	if err := requireLocal(actor); err != nil {
		return nil, nil, err
	}
	obj, err := o.db.ReadObjectById(ctx, objectID)
	if err != nil {
		return nil, nil, err
	}
	author, err := readAuthor(ctx, o.db.Queries, obj)
	if err != nil {
		return nil, nil, err
	}
	return obj, author, nil
}

// Like favourites an object.
func (o *Outbox) Like(ctx context.Context, actor *domain.Actor, objectID uuid.UUID) (*domain.Object, error) {
	obj, author, err := o.react(ctx, actor, objectID)
	if err != nil {
		return nil, err
	}

	like := BuildLike(o.baseURL, actor, obj)
	err = o.run(ctx, like, func(q *db.Queries, e *effects) error {
		created, err := q.InsertReaction(ctx, domain.ReactionLike, actor.Id, obj.Id, like["id"].(string))
		if err != nil || !created {
			return err
		}
		if author != nil && author.IsLocal() && author.Id != actor.Id {
			if err := e.notify(ctx, q, domain.NotificationFavourite, author.Id, actor.Id, &obj.Id); err != nil {
				return err
			}
		}
		e.deliverTo(actor, like, author)
		return nil
	})
	return obj, err
}

// Unlike removes a favourite.
func (o *Outbox) Unlike(ctx context.Context, actor *domain.Actor, objectID uuid.UUID) (*domain.Object, error) {
	obj, author, err := o.react(ctx, actor, objectID)
	if err != nil {
		return nil, err
	}

	undo := BuildUndo(o.baseURL, actor, map[string]interface{}{
		"type":   string(TypeLike),
		"actor":  actor.Id,
		"object": obj.OriginalObjectId,
	})
	err = o.run(ctx, undo, func(q *db.Queries, e *effects) error {
		removed, err := q.DeleteReaction(ctx, domain.ReactionLike, actor.Id, obj.Id)
		if err != nil || !removed {
			return err
		}
		e.deliverTo(actor, undo, author)
		return nil
	})
	return obj, err
}

// Reblog announces an object to the actor's followers.
func (o *Outbox) Reblog(ctx context.Context, actor *domain.Actor, objectID uuid.UUID) (*domain.Object, error) {
	obj, author, err := o.react(ctx, actor, objectID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	announce := BuildAnnounce(o.baseURL, actor, obj, now)
	err = o.run(ctx, announce, func(q *db.Queries, e *effects) error {
		created, err := q.InsertReaction(ctx, domain.ReactionReblog, actor.Id, obj.Id, announce["id"].(string))
		if err != nil || !created {
			return err
		}
		if _, _, err := q.AddOutboxEntry(ctx, actor.Id, obj.Id, now); err != nil {
			return err
		}
		if author != nil && author.IsLocal() && author.Id != actor.Id {
			if err := e.notify(ctx, q, domain.NotificationReblog, author.Id, actor.Id, &obj.Id); err != nil {
				return err
			}
		}
		inboxes, err := q.ReadFollowerInboxes(ctx, actor.Id)
		if err != nil {
			return err
		}
		e.deliver(actor, announce, inboxes...)
		e.deliverTo(actor, announce, author)
		return nil
	})
	return obj, err
}

// Unreblog withdraws an announce.
func (o *Outbox) Unreblog(ctx context.Context, actor *domain.Actor, objectID uuid.UUID) (*domain.Object, error) {
	obj, author, err := o.react(ctx, actor, objectID)
	if err != nil {
		return nil, err
	}

	undo := BuildUndo(o.baseURL, actor, map[string]interface{}{
		"type":   string(TypeAnnounce),
		"actor":  actor.Id,
		"object": obj.OriginalObjectId,
	})
	err = o.run(ctx, undo, func(q *db.Queries, e *effects) error {
		removed, err := q.DeleteReaction(ctx, domain.ReactionReblog, actor.Id, obj.Id)
		if err != nil || !removed {
			return err
		}
		if err := removeAnnounceEntry(ctx, q, actor.Id, obj); err != nil {
			return err
		}
		inboxes, err := q.ReadFollowerInboxes(ctx, actor.Id)
		if err != nil {
			return err
		}
		e.deliver(actor, undo, inboxes...)
		e.deliverTo(actor, undo, author)
		return nil
	})
	return obj, err
}

// DeleteNote removes one of the actor's own objects and federates a Tombstone.
func (o *Outbox) DeleteNote(ctx context.Context, actor *domain.Actor, objectID uuid.UUID) error {
	if err := requireLocal(actor); err != nil {
		return err
	}
	obj, err := o.db.ReadObjectById(ctx, objectID)
	if err != nil {
		return err
	}
	if obj.OriginalActorId != actor.Id {
		return &domain.AuthorizationError{Reason: "actorid mismatch when deleting object"}
	}

	del := BuildDelete(o.baseURL, actor, obj.OriginalObjectId)
	return o.run(ctx, del, func(q *db.Queries, e *effects) error {
		inboxes, err := q.ReadFollowerInboxes(ctx, actor.Id)
		if err != nil {
			return err
		}
		if _, err := q.DeleteObject(ctx, obj.OriginalObjectId); err != nil {
			return err
		}
		e.deliver(actor, del, inboxes...)
		return nil
	})
}
