package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"github.com/deemkeen/tusker/timeline"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type statusRequest struct {
	Status      string `json:"status"`
	InReplyToID string `json:"in_reply_to_id"`
}

type accountRequest struct {
	URI string `json:"uri"`
}

type relationship struct {
	Id         string `json:"id"`
	Following  bool   `json:"following"`
	Requested  bool   `json:"requested"`
	FollowedBy bool   `json:"followed_by"`
}

type notification struct {
	Id        string           `json:"id"`
	Type      string           `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
	Account   timeline.Account `json:"account"`
	Status    *timeline.Status `json:"status,omitempty"`
}

// writePage sends a rendered timeline with a Link header to the next page.
func (h *handler) writePage(c *gin.Context, res *timeline.Result) {
	if res.Next != "" {
		next := *c.Request.URL
		q := next.Query()
		q.Set("max_id", res.Next)
		next.RawQuery = q.Encode()
		c.Header("Link", fmt.Sprintf(`<%s%s>; rel="next"`, h.baseURL, next.RequestURI()))
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", res.Body)
}

func (h *handler) handleHomeTimeline(c *gin.Context) {
	actor, _ := connectedActor(c)
	page, err := timeline.ParsePage(c.Query("max_id"), c.Query("limit"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.timelines.HomeJSON(c.Request.Context(), actor, page)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writePage(c, res)
}

func (h *handler) handlePublicTimeline(c *gin.Context) {
	page, err := timeline.ParsePage(c.Query("max_id"), c.Query("limit"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	filter := db.PublicFilter{
		Local:     c.Query("local") == "true",
		Remote:    c.Query("remote") == "true",
		OnlyMedia: c.Query("only_media") == "true",
	}
	viewerID := ""
	if actor, ok := connectedActor(c); ok {
		viewerID = actor.Id
	}
	res, err := h.timelines.PublicJSON(c.Request.Context(), viewerID, filter, page)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writePage(c, res)
}

func (h *handler) handleNotifications(c *gin.Context) {
	ctx := c.Request.Context()
	actor, _ := connectedActor(c)
	page, err := timeline.ParsePage("", c.Query("limit"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	limit := page.Limit
	if limit == 0 || limit > timeline.MaxLimit {
		limit = timeline.DefaultLimit
	}
	var maxID *uuid.UUID
	if raw := c.Query("max_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(c, domain.NewValidationError("invalid max_id %q", raw))
			return
		}
		maxID = &id
	}

	items, err := h.db.ReadNotifications(ctx, actor.Id, maxID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]notification, 0, len(items))
	for _, n := range items {
		from, err := h.db.ReadActorById(ctx, n.FromActorId)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			h.writeError(c, err)
			return
		}
		rendered := notification{
			Id:        n.Id.String(),
			Type:      string(n.Type),
			CreatedAt: n.CreatedAt.UTC(),
			Account:   timeline.NewAccount(n.FromActorId, from),
		}
		if n.ObjectId != nil {
			obj, err := h.db.ReadObjectById(ctx, *n.ObjectId)
			if err == nil {
				rendered.Status, err = h.timelines.Status(ctx, actor.Id, obj)
			}
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				h.writeError(c, err)
				return
			}
		}
		out = append(out, rendered)
	}
	if len(items) == limit {
		c.Header("Link", fmt.Sprintf(`<%s/api/v1/notifications?max_id=%s>; rel="next"`, h.baseURL, items[len(items)-1].Id))
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) handlePostStatus(c *gin.Context) {
	ctx := c.Request.Context()
	actor, _ := connectedActor(c)
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var inReplyTo *uuid.UUID
	if req.InReplyToID != "" {
		id, err := uuid.Parse(req.InReplyToID)
		if err != nil {
			h.writeError(c, domain.NewValidationError("invalid in_reply_to_id %q", req.InReplyToID))
			return
		}
		inReplyTo = &id
	}

	obj, err := h.outbox.PostNote(ctx, actor, req.Status, inReplyTo)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.timelines.Invalidate(ctx, actor.Id)
	h.renderStatus(c, actor, obj)
}

func statusID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, domain.NotFoundError{Resource: "status"}
	}
	return id, nil
}

func (h *handler) renderStatus(c *gin.Context, viewer *domain.Actor, obj *domain.Object) {
	status, err := h.timelines.Status(c.Request.Context(), viewer.Id, obj)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *handler) handleGetStatus(c *gin.Context) {
	actor, _ := connectedActor(c)
	id, err := statusID(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	obj, err := h.db.ReadObjectById(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.renderStatus(c, actor, obj)
}

func (h *handler) handleDeleteStatus(c *gin.Context) {
	actor, _ := connectedActor(c)
	id, err := statusID(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.outbox.DeleteNote(c.Request.Context(), actor, id); err != nil {
		h.writeError(c, err)
		return
	}
	h.timelines.Invalidate(c.Request.Context(), actor.Id)
	c.JSON(http.StatusOK, gin.H{})
}

type reactFunc func(ctx context.Context, actor *domain.Actor, id uuid.UUID) (*domain.Object, error)

// reaction runs a like or reblog style action and renders the affected status.
func (h *handler) reaction(fn reactFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, _ := connectedActor(c)
		id, err := statusID(c)
		if err != nil {
			h.writeError(c, err)
			return
		}
		obj, err := fn(c.Request.Context(), actor, id)
		if err != nil {
			h.writeError(c, err)
			return
		}
		h.timelines.Invalidate(c.Request.Context(), actor.Id)
		h.renderStatus(c, actor, obj)
	}
}

func bindAccount(c *gin.Context) (string, bool) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", false
	}
	uri := strings.TrimSpace(req.URI)
	if u, err := url.Parse(uri); err != nil || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uri must be an actor id"})
		return "", false
	}
	return uri, true
}

// relationshipOf reads both directions between viewer and other.
func (h *handler) relationshipOf(c *gin.Context, viewer *domain.Actor, other string) (*relationship, error) {
	ctx := c.Request.Context()
	rel := &relationship{Id: other}
	out, err := h.db.ReadFollow(ctx, viewer.Id, other)
	switch {
	case err == nil:
		rel.Following = out.State == domain.FollowAccepted
		rel.Requested = out.State == domain.FollowPending
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	in, err := h.db.ReadFollow(ctx, other, viewer.Id)
	switch {
	case err == nil:
		rel.FollowedBy = in.State == domain.FollowAccepted
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	return rel, nil
}

func (h *handler) writeRelationship(c *gin.Context, viewer *domain.Actor, other string) {
	rel, err := h.relationshipOf(c, viewer, other)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rel)
}

func (h *handler) handleFollow(c *gin.Context) {
	actor, _ := connectedActor(c)
	target, ok := bindAccount(c)
	if !ok {
		return
	}
	if _, err := h.outbox.Follow(c.Request.Context(), actor, target); err != nil {
		h.writeError(c, err)
		return
	}
	h.timelines.Invalidate(c.Request.Context(), actor.Id)
	h.writeRelationship(c, actor, target)
}

func (h *handler) handleUnfollow(c *gin.Context) {
	actor, _ := connectedActor(c)
	target, ok := bindAccount(c)
	if !ok {
		return
	}
	if err := h.outbox.Unfollow(c.Request.Context(), actor, target); err != nil {
		h.writeError(c, err)
		return
	}
	h.timelines.Invalidate(c.Request.Context(), actor.Id)
	h.writeRelationship(c, actor, target)
}

func (h *handler) handleAuthorizeFollower(c *gin.Context) {
	actor, _ := connectedActor(c)
	follower, ok := bindAccount(c)
	if !ok {
		return
	}
	if _, err := h.outbox.AcceptFollower(c.Request.Context(), actor, follower); err != nil {
		h.writeError(c, err)
		return
	}
	h.writeRelationship(c, actor, follower)
}

func (h *handler) handleRejectFollower(c *gin.Context) {
	actor, _ := connectedActor(c)
	follower, ok := bindAccount(c)
	if !ok {
		return
	}
	if _, err := h.outbox.RejectFollower(c.Request.Context(), actor, follower); err != nil {
		h.writeError(c, err)
		return
	}
	h.writeRelationship(c, actor, follower)
}
