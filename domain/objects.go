package domain

import (
	"time"

	"github.com/google/uuid"
)

const PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

// Object is a cached federation object. OriginalObjectId is the protocol id and is unique.
type Object struct {
	Id               uuid.UUID
	OriginalObjectId string
	OriginalActorId  string
	Type             string
	Properties       Properties
	Local            bool
	CreatedAt        time.Time
}

func (o *Object) Content() string {
	return o.Properties.String("content")
}

func (o *Object) InReplyTo() string {
	return o.Properties.Ref("inReplyTo")
}

// Attachment is a media attachment declared on an object.
type Attachment struct {
	Type      string
	MediaType string
	URL       string
	Name      string
}

func (o *Object) Attachments() []Attachment {
	var out []Attachment
	for _, item := range o.Properties.List("attachment") {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		att := Attachment{}
		att.Type, _ = m["type"].(string)
		att.MediaType, _ = m["mediaType"].(string)
		att.Name, _ = m["name"].(string)
		switch u := m["url"].(type) {
		case string:
			att.URL = u
		case map[string]interface{}:
			att.URL, _ = u["href"].(string)
		}
		out = append(out, att)
	}
	return out
}

// Mentions returns the hrefs of Mention tags.
func (o *Object) Mentions() []string {
	var out []string
	for _, item := range o.Properties.List("tag") {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t != "Mention" {
			continue
		}
		if href, ok := m["href"].(string); ok && href != "" {
			out = append(out, href)
		}
	}
	return out
}

// OutboxEntry places an object in an actor's outbox at a published time.
type OutboxEntry struct {
	Id          uuid.UUID
	ActorId     string
	ObjectId    uuid.UUID
	PublishedAt time.Time
	CreatedAt   time.Time
}
