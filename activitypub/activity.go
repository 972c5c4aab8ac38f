package activitypub

import (
	"encoding/json"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContentType            = "application/activity+json"
	LDContentType          = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// ActivityType is the closed set of activities the dispatcher routes.
type ActivityType string

const (
	TypeFollow   ActivityType = "Follow"
	TypeAccept   ActivityType = "Accept"
	TypeReject   ActivityType = "Reject"
	TypeCreate   ActivityType = "Create"
	TypeUpdate   ActivityType = "Update"
	TypeAnnounce ActivityType = "Announce"
	TypeLike     ActivityType = "Like"
	TypeUndo     ActivityType = "Undo"
	TypeDelete   ActivityType = "Delete"
)

// requiresEmbeddedObject lists the types whose object must be inlined.
var requiresEmbeddedObject = map[ActivityType]bool{
	TypeAccept: true,
	TypeReject: true,
	TypeCreate: true,
	TypeUpdate: true,
}

var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Application":  true,
	"Group":        true,
	"Organization": true,
}

// Activity is a parsed inbound or outbound activity.
type Activity struct {
	Id     string
	Type   ActivityType
	Actor  string
	Object interface{}
	Props  domain.Properties
	Raw    []byte

	key string
}

// ParseActivity decodes an activity document. The type and the actor are required.
func ParseActivity(body []byte) (*Activity, error) {
	props := domain.Properties{}
	if err := json.Unmarshal(body, &props); err != nil {
		return nil, domain.NewValidationError("invalid activity: %v", err)
	}
	a, err := activityFromProperties(props)
	if err != nil {
		return nil, err
	}
	a.Raw = body
	return a, nil
}

func activityFromProperties(props domain.Properties) (*Activity, error) {
	a := &Activity{
		Id:     props.String("id"),
		Type:   ActivityType(props.String("type")),
		Actor:  props.Ref("actor"),
		Object: props["object"],
		Props:  props,
	}
	if a.Type == "" {
		return nil, domain.NewValidationError("`activity.type` is missing")
	}
	if a.Actor == "" {
		return nil, domain.NewValidationError("`activity.actor` is missing")
	}
	return a, nil
}

// Key identifies the activity in the activity log. Only activities with an id are
// processed at most once; each one without an id gets a fresh key.
func (a *Activity) Key() string {
	if a.Id != "" {
		return a.Id
	}
	if a.key == "" {
		a.key = "urn:tusker:activity:" + uuid.Must(uuid.NewV7()).String()
	}
	return a.key
}

// ObjectProps returns the embedded object, if the object is inlined.
func (a *Activity) ObjectProps() (domain.Properties, bool) {
	m, ok := a.Object.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return domain.Properties(m), true
}

// ObjectID returns the object id whether it is a plain URI or an embedded object.
func (a *Activity) ObjectID() string {
	return a.Props.Ref("object")
}

// Published reads the activity's published time, zero when absent or malformed.
func (a *Activity) Published() time.Time {
	return parsePublished(a.Props)
}

func parsePublished(props domain.Properties) time.Time {
	s := props.String("published")
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// validateShape rejects activities whose object has the wrong shape before any side effect.
func (a *Activity) validateShape() error {
	if requiresEmbeddedObject[a.Type] {
		if _, ok := a.ObjectProps(); !ok {
			return domain.NewValidationError("`activity.object` must be of type object")
		}
		return nil
	}
	if _, ok := a.ObjectProps(); ok {
		return nil
	}
	if a.ObjectID() == "" {
		return domain.NewValidationError("`activity.object` is missing")
	}
	return nil
}
