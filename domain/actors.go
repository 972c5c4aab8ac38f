package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Origin tells whether an actor lives on this server or on a remote one.
// It is decided once, when the actor record is created.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Actor is a local or cached remote ActivityPub actor. Id is the actor URL.
type Actor struct {
	Id                        string
	Type                      string
	Username                  string
	Domain                    string
	Properties                Properties
	PublicKeyPem              string
	PrivateKeyPem             string
	InboxURI                  string
	OutboxURI                 string
	SharedInboxURI            string
	ManuallyApprovesFollowers bool
	Origin                    Origin
	CreatedAt                 time.Time
	LastFetchedAt             time.Time
}

func (a *Actor) IsLocal() bool {
	return a.Origin == OriginLocal
}

// Acct returns user for local actors and user@domain for remote ones.
func (a *Actor) Acct() string {
	if a.IsLocal() {
		return a.Username
	}
	return fmt.Sprintf("%s@%s", a.Username, a.Domain)
}

// DeliveryInbox prefers the shared inbox of a remote server.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

func (a *Actor) DisplayName() string {
	if name := a.Properties.String("name"); name != "" {
		return name
	}
	return a.Username
}

func (a *Actor) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tOrigin: %s \n\tCREATED_AT: %s)", a.Id, a.Username, a.Origin, a.CreatedAt)
}

// Properties is the opaque JSON payload of an actor or object.
type Properties map[string]interface{}

func (p Properties) String(key string) string {
	if p == nil {
		return ""
	}
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// Ref reads a property that may be a plain URI or an embedded object with an id.
func (p Properties) Ref(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

// List normalizes a property that may hold a single value or an array.
func (p Properties) List(key string) []interface{} {
	if p == nil {
		return nil
	}
	switch v := p[key].(type) {
	case nil:
		return nil
	case []interface{}:
		return v
	default:
		return []interface{}{v}
	}
}

func (p Properties) Marshal() (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalProperties(raw string) (Properties, error) {
	props := Properties{}
	if raw == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, err
	}
	return props, nil
}
