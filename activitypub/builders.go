package activitypub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// NewActivityURI mints an id for an activity sent by this server.
func NewActivityURI(baseURL string) string {
	return fmt.Sprintf("%s/activities/%s", baseURL, uuid.Must(uuid.NewV7()).String())
}

// NewObjectURI mints an id for an object created on this server.
func NewObjectURI(baseURL string) string {
	return fmt.Sprintf("%s/objects/%s", baseURL, uuid.Must(uuid.NewV7()).String())
}

func FollowersURI(actor *domain.Actor) string {
	if f := actor.Properties.String("followers"); f != "" {
		return f
	}
	return actor.Id + "/followers"
}

func activity(id string, kind ActivityType, actor string, object interface{}) map[string]interface{} {
	return map[string]interface{}{
		"@context": ContextActivityStreams,
		"id":       id,
		"type":     string(kind),
		"actor":    actor,
		"object":   object,
	}
}

func BuildFollow(baseURL string, follower, target *domain.Actor) map[string]interface{} {
	return activity(NewActivityURI(baseURL), TypeFollow, follower.Id, target.Id)
}

// followObject is the embedded Follow carried by Accept, Reject and Undo.
func followObject(follow *domain.Follow) map[string]interface{} {
	obj := map[string]interface{}{
		"type":   string(TypeFollow),
		"actor":  follow.ActorId,
		"object": follow.TargetActorId,
	}
	if follow.URI != "" {
		obj["id"] = follow.URI
	}
	return obj
}

func BuildAccept(baseURL string, target *domain.Actor, follow *domain.Follow) map[string]interface{} {
	return activity(NewActivityURI(baseURL), TypeAccept, target.Id, followObject(follow))
}

func BuildReject(baseURL string, target *domain.Actor, follow *domain.Follow) map[string]interface{} {
	return activity(NewActivityURI(baseURL), TypeReject, target.Id, followObject(follow))
}

// BuildCreate wraps a note, copying its addressing onto the activity.
func BuildCreate(baseURL string, actor *domain.Actor, note *domain.Object) map[string]interface{} {
	a := activity(NewActivityURI(baseURL), TypeCreate, actor.Id, noteDocument(note))
	a["published"] = note.Properties["published"]
	a["to"] = note.Properties["to"]
	a["cc"] = note.Properties["cc"]
	return a
}

func BuildLike(baseURL string, actor *domain.Actor, object *domain.Object) map[string]interface{} {
	return activity(NewActivityURI(baseURL), TypeLike, actor.Id, object.OriginalObjectId)
}

func BuildAnnounce(baseURL string, actor *domain.Actor, object *domain.Object, published time.Time) map[string]interface{} {
	a := activity(NewActivityURI(baseURL), TypeAnnounce, actor.Id, object.OriginalObjectId)
	a["published"] = published.UTC().Format(time.RFC3339)
	a["to"] = []string{domain.PublicCollection}
	a["cc"] = []string{object.OriginalActorId, FollowersURI(actor)}
	return a
}

// BuildUndo embeds the undone activity without its @context.
func BuildUndo(baseURL string, actor *domain.Actor, undone map[string]interface{}) map[string]interface{} {
	inner := map[string]interface{}{}
	for k, v := range undone {
		if k != "@context" {
			inner[k] = v
		}
	}
	return activity(NewActivityURI(baseURL), TypeUndo, actor.Id, inner)
}

func BuildDelete(baseURL string, actor *domain.Actor, objectID string) map[string]interface{} {
	a := activity(NewActivityURI(baseURL), TypeDelete, actor.Id, map[string]interface{}{
		"id":   objectID,
		"type": "Tombstone",
	})
	a["to"] = []string{domain.PublicCollection}
	return a
}

// noteDocument renders a stored object with its protocol id and author.
func noteDocument(obj *domain.Object) map[string]interface{} {
	doc := map[string]interface{}{}
	for k, v := range obj.Properties {
		doc[k] = v
	}
	doc["id"] = obj.OriginalObjectId
	doc["type"] = obj.Type
	doc["attributedTo"] = obj.OriginalActorId
	return doc
}

// ObjectDocument renders a stored object for the object endpoint.
func ObjectDocument(obj *domain.Object) map[string]interface{} {
	doc := noteDocument(obj)
	doc["@context"] = ContextActivityStreams
	return doc
}

func marshalActivity(a map[string]interface{}) ([]byte, error) {
	return json.Marshal(a)
}
