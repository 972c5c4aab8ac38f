package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/tusker/activitypub"
	"github.com/gin-gonic/gin"
)

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

func webFingerNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}

// parseAcct splits "acct:user@host" or "user@host". The host is empty when absent.
func parseAcct(resource string) (string, string) {
	resource = strings.TrimPrefix(resource, "acct:")
	resource = strings.TrimPrefix(resource, "@")
	user, host, _ := strings.Cut(resource, "@")
	return strings.ToLower(user), strings.ToLower(host)
}

func (h *handler) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		webFingerNotFound(c)
		return
	}
	user, host := parseAcct(resource)
	if user == "" || (host != "" && host != strings.ToLower(h.conf.Domain())) {
		webFingerNotFound(c)
		return
	}

	actor, err := h.db.ReadLocalActorByUsername(c.Request.Context(), user)
	if err != nil {
		webFingerNotFound(c)
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, WebFingerResponse{
		Subject: "acct:" + actor.Username + "@" + h.conf.Domain(),
		Aliases: []string{actor.Id},
		Links: []WebFingerLink{
			{Rel: "self", Type: activitypub.ContentType, Href: actor.Id},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: actor.Properties.String("url")},
		},
	})
}
