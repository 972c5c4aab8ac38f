package web

import (
	"net/http"
	"time"

	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"github.com/gin-gonic/gin"
)

// handleOutbox returns an ActivityPub OrderedCollection of a user's public posts
// This allows remote servers to discover posts without following the user
func (h *handler) handleOutbox(c *gin.Context) {
	actor, ok := h.localActor(c)
	if !ok {
		return
	}
	total, err := h.db.CountOutbox(c.Request.Context(), actor.Id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	renderActivityJSON(c, http.StatusOK, orderedCollection(actor.OutboxURI, total))
}

func (h *handler) handleOutboxPage(c *gin.Context) {
	actor, ok := h.localActor(c)
	if !ok {
		return
	}
	var before *db.Cursor
	if raw := c.Query("max_id"); raw != "" {
		cursor, err := db.ParseCursor(raw)
		if err != nil {
			h.writeError(c, err)
			return
		}
		before = cursor
	}

	entries, err := h.db.ReadOutbox(c.Request.Context(), actor.Id, before, collectionPageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := make([]interface{}, 0, len(entries))
	for _, item := range entries {
		items = append(items, outboxActivity(h.baseURL, actor, item))
	}
	next := ""
	if len(entries) == collectionPageSize {
		last := entries[len(entries)-1]
		next = db.Cursor{PublishedAt: last.Entry.PublishedAt, Id: last.Entry.Id}.String()
	}

	renderActivityJSON(c, http.StatusOK,
		orderedCollectionPage(actor.OutboxURI, pageID(actor.OutboxURI, c.Query("max_id")), items, next))
}

// outboxActivity wraps an outbox entry: a Create for the actor's own objects and an
// Announce for shared ones. Ids are derived from the entry so pages are stable.
func outboxActivity(baseURL string, actor *domain.Actor, item db.OutboxItem) map[string]interface{} {
	published := item.Entry.PublishedAt.UTC().Format(time.RFC3339)
	activity := map[string]interface{}{
		"id":        baseURL + "/activities/" + item.Entry.Id.String(),
		"actor":     actor.Id,
		"published": published,
		"to":        []string{domain.PublicCollection},
		"cc":        []string{activitypub.FollowersURI(actor)},
	}
	if item.Object.OriginalActorId == actor.Id {
		activity["type"] = string(activitypub.TypeCreate)
		activity["object"] = activitypub.ObjectDocument(&item.Object)
		delete(activity["object"].(map[string]interface{}), "@context")
	} else {
		activity["type"] = string(activitypub.TypeAnnounce)
		activity["object"] = item.Object.OriginalObjectId
	}
	return activity
}
