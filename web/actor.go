package web

import (
	"net/http"

	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"github.com/gin-gonic/gin"
)

const collectionPageSize = 20

func renderActivityJSON(c *gin.Context, status int, doc interface{}) {
	c.Header("Content-Type", activitypub.ContentType+"; charset=utf-8")
	c.JSON(status, doc)
}

func (h *handler) localActor(c *gin.Context) (*domain.Actor, bool) {
	actor, err := h.db.ReadLocalActorByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return actor, true
}

func (h *handler) handleActor(c *gin.Context) {
	actor, ok := h.localActor(c)
	if !ok {
		return
	}
	doc := activitypub.ActorDocument(actor)
	doc["discoverable"] = true
	renderActivityJSON(c, http.StatusOK, doc)
}

// handleObject serves objects minted by this server under their protocol id.
func (h *handler) handleObject(c *gin.Context) {
	obj, err := h.db.ReadObjectByOriginalId(c.Request.Context(), h.baseURL+"/objects/"+c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !obj.Local {
		h.writeError(c, &domain.ObjectNotFoundError{ObjectId: obj.OriginalObjectId})
		return
	}
	renderActivityJSON(c, http.StatusOK, activitypub.ObjectDocument(obj))
}

func orderedCollection(id string, total int) map[string]interface{} {
	return map[string]interface{}{
		"@context":   activitypub.ContextActivityStreams,
		"id":         id,
		"type":       "OrderedCollection",
		"totalItems": total,
		"first":      id + "/page",
	}
}

func orderedCollectionPage(collection, pageID string, items []interface{}, next string) map[string]interface{} {
	page := map[string]interface{}{
		"@context":     activitypub.ContextActivityStreams,
		"id":           pageID,
		"type":         "OrderedCollectionPage",
		"partOf":       collection,
		"orderedItems": items,
	}
	if next != "" {
		page["next"] = collection + "/page?max_id=" + next
	}
	return page
}

func (h *handler) handleFollowers(c *gin.Context) {
	h.followCollection(c, domain.Followers, "/followers")
}

func (h *handler) handleFollowing(c *gin.Context) {
	h.followCollection(c, domain.Following, "/following")
}

func (h *handler) handleFollowersPage(c *gin.Context) {
	h.followCollectionPage(c, domain.Followers, "/followers")
}

func (h *handler) handleFollowingPage(c *gin.Context) {
	h.followCollectionPage(c, domain.Following, "/following")
}

func (h *handler) followCollection(c *gin.Context, direction domain.FollowDirection, suffix string) {
	actor, ok := h.localActor(c)
	if !ok {
		return
	}
	total, err := h.db.CountAccepted(c.Request.Context(), actor.Id, direction)
	if err != nil {
		h.writeError(c, err)
		return
	}
	renderActivityJSON(c, http.StatusOK, orderedCollection(actor.Id+suffix, total))
}

func (h *handler) followCollectionPage(c *gin.Context, direction domain.FollowDirection, suffix string) {
	actor, ok := h.localActor(c)
	if !ok {
		return
	}
	var after *db.FollowCursor
	if raw := c.Query("max_id"); raw != "" {
		cursor, err := db.ParseFollowCursor(raw)
		if err != nil {
			h.writeError(c, err)
			return
		}
		after = cursor
	}

	follows, err := h.db.ListAccepted(c.Request.Context(), actor.Id, direction, after, collectionPageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := make([]interface{}, 0, len(follows))
	for _, f := range follows {
		if direction == domain.Followers {
			items = append(items, f.ActorId)
		} else {
			items = append(items, f.TargetActorId)
		}
	}
	next := ""
	if len(follows) == collectionPageSize {
		last := follows[len(follows)-1]
		next = db.FollowCursor{CreatedAt: last.CreatedAt, Id: last.Id}.String()
	}

	collection := actor.Id + suffix
	renderActivityJSON(c, http.StatusOK, orderedCollectionPage(collection, pageID(collection, c.Query("max_id")), items, next))
}

func pageID(collection, maxID string) string {
	if maxID == "" {
		return collection + "/page"
	}
	return collection + "/page?max_id=" + maxID
}
