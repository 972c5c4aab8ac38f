package web

import (
	"net/http"

	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleInbox serves both the shared inbox and personal inboxes. Routing happens
// inside the dispatcher, so a personal inbox only checks that its owner exists.
func (h *handler) handleInbox(c *gin.Context) {
	ctx := c.Request.Context()
	if c.Param("username") != "" {
		if _, ok := h.localActor(c); !ok {
			return
		}
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	activity, err := activitypub.ParseActivity(body)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if h.verifier != nil {
		signer, err := h.verifier.Verify(ctx, c.Request, body)
		if err != nil {
			h.log.Info("Rejected unsigned or invalid inbox request",
				zap.String("actor", activity.Actor), zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if signer != activity.Actor {
			h.log.Info("Inbox request signed by another actor",
				zap.String("actor", activity.Actor), zap.String("signer", signer))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "signer does not match activity actor"})
			return
		}
	}

	if err := h.dispatcher.DispatchActivity(ctx, activity); err != nil {
		if domain.IsUnsupported(err) {
			c.Status(http.StatusAccepted)
			return
		}
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
