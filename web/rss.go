package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/timeline"
	"github.com/deemkeen/tusker/util"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const feedSize = 40

func feedItem(s timeline.Status) *feeds.Item {
	return &feeds.Item{
		Id:      s.Uri,
		Title:   s.CreatedAt.Format(time.RFC1123),
		Link:    &feeds.Link{Href: s.Url},
		Content: s.Content,
		Author:  &feeds.Author{Name: s.Account.DisplayName, Email: s.Account.Acct},
		Created: s.CreatedAt,
	}
}

func writeRSS(c *gin.Context, feed *feeds.Feed) {
	rss, err := feed.ToRss()
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(rss))
}

// handleFeed serves the local public timeline as RSS.
func (h *handler) handleFeed(c *gin.Context) {
	statuses, _, err := h.timelines.Public(c.Request.Context(), "", db.PublicFilter{Local: true}, timeline.Page{Limit: feedSize})
	if err != nil {
		h.writeError(c, err)
		return
	}
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("All %s Notes", util.Name),
		Link:        &feeds.Link{Href: h.baseURL + "/feed"},
		Description: "Public notes on " + h.conf.Domain(),
		Author:      &feeds.Author{Name: "everyone", Email: "everyone@" + h.conf.Domain()},
		Created:     time.Now(),
	}
	for _, s := range statuses {
		feed.Items = append(feed.Items, feedItem(s))
	}
	writeRSS(c, feed)
}

// handleUserFeed serves one local actor's outbox as RSS.
func (h *handler) handleUserFeed(c *gin.Context) {
	ctx := c.Request.Context()
	actor, ok := h.localActor(c)
	if !ok {
		return
	}
	entries, err := h.db.ReadOutbox(ctx, actor.Id, nil, feedSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s Notes - %s", util.Name, actor.Username),
		Link:        &feeds.Link{Href: fmt.Sprintf("%s/feed/%s", h.baseURL, actor.Username)},
		Description: actor.Properties.String("summary"),
		Author:      &feeds.Author{Name: actor.DisplayName(), Email: actor.Username + "@" + h.conf.Domain()},
		Created:     time.Now(),
	}
	for _, item := range entries {
		status, err := h.timelines.Status(ctx, "", &item.Object)
		if err != nil {
			h.writeError(c, err)
			return
		}
		feed.Items = append(feed.Items, feedItem(*status))
	}
	writeRSS(c, feed)
}
