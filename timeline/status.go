package timeline

import (
	"strings"
	"time"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
)

// Account is the author summary embedded in a status.
type Account struct {
	Id          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	Url         string `json:"url"`
	Avatar      string `json:"avatar,omitempty"`
}

// MediaAttachment is a media item of a status.
type MediaAttachment struct {
	Type        string `json:"type"`
	Url         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Status is the client view of one timeline entry.
type Status struct {
	Id               string            `json:"id"`
	Uri              string            `json:"uri"`
	Url              string            `json:"url"`
	CreatedAt        time.Time         `json:"created_at"`
	Content          string            `json:"content"`
	Visibility       string            `json:"visibility"`
	InReplyTo        string            `json:"in_reply_to,omitempty"`
	Account          Account           `json:"account"`
	RebloggedBy      *Account          `json:"reblogged_by,omitempty"`
	MediaAttachments []MediaAttachment `json:"media_attachments"`
	RepliesCount     int               `json:"replies_count"`
	FavouritesCount  int               `json:"favourites_count"`
	ReblogsCount     int               `json:"reblogs_count"`
	Favourited       bool              `json:"favourited"`
	Reblogged        bool              `json:"reblogged"`
}

// NewAccount renders an actor. A nil actor yields an account built from the id alone.
func NewAccount(id string, actor *domain.Actor) Account {
	if actor == nil {
		return Account{Id: id, Url: id, Username: lastSegment(id), Acct: lastSegment(id), DisplayName: lastSegment(id)}
	}
	acc := Account{
		Id:          actor.Id,
		Username:    actor.Username,
		Acct:        actor.Acct(),
		DisplayName: actor.DisplayName(),
		Url:         actor.Properties.String("url"),
	}
	if acc.Url == "" {
		acc.Url = actor.Id
	}
	if icon, ok := actor.Properties["icon"].(map[string]interface{}); ok {
		acc.Avatar, _ = icon["url"].(string)
	}
	return acc
}

// NewStatus renders a timeline row. author is the object's author and sharer the
// owner of the outbox entry; they differ for reblogs.
func NewStatus(row db.TimelineRow, author, sharer *domain.Actor) Status {
	obj := row.Object
	s := Status{
		Id:               obj.Id.String(),
		Uri:              obj.OriginalObjectId,
		Url:              obj.Properties.Ref("url"),
		CreatedAt:        row.Entry.PublishedAt.UTC(),
		Content:          obj.Content(),
		Visibility:       "public",
		InReplyTo:        obj.InReplyTo(),
		Account:          NewAccount(obj.OriginalActorId, author),
		MediaAttachments: []MediaAttachment{},
		RepliesCount:     row.RepliesCount,
		FavouritesCount:  row.FavouritesCount,
		ReblogsCount:     row.ReblogsCount,
		Favourited:       row.Favourited,
		Reblogged:        row.Reblogged,
	}
	if s.Url == "" {
		s.Url = obj.OriginalObjectId
	}
	if row.Entry.ActorId != obj.OriginalActorId {
		by := NewAccount(row.Entry.ActorId, sharer)
		s.RebloggedBy = &by
	}
	for _, att := range obj.Attachments() {
		s.MediaAttachments = append(s.MediaAttachments, MediaAttachment{
			Type:        mediaType(att),
			Url:         att.URL,
			Description: att.Name,
		})
	}
	return s
}

// mediaType maps an attachment to image, video, audio or unknown.
func mediaType(att domain.Attachment) string {
	switch {
	case att.Type == "Image" || strings.HasPrefix(att.MediaType, "image/"):
		return "image"
	case att.Type == "Video" || strings.HasPrefix(att.MediaType, "video/"):
		return "video"
	case att.Type == "Audio" || strings.HasPrefix(att.MediaType, "audio/"):
		return "audio"
	default:
		return "unknown"
	}
}

func lastSegment(id string) string {
	parts := strings.Split(strings.TrimRight(id, "/"), "/")
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}
