package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/timeline"
	"github.com/deemkeen/tusker/util"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxActivitySize = 1 << 20

var (
	errMissingConfig     = errors.New("config dependency required")
	errMissingDatabase   = errors.New("database dependency required")
	errMissingDispatcher = errors.New("dispatcher dependency required")
	errMissingOutbox     = errors.New("outbox dependency required")
	errMissingTimelines  = errors.New("timeline builder dependency required")
	errMissingTokens     = errors.New("token validator dependency required")
)

// Dependencies are the collaborators served over HTTP. A nil Verifier accepts
// unsigned inbox requests.
type Dependencies struct {
	Conf       *util.AppConfig
	DB         *db.DB
	Dispatcher *activitypub.Dispatcher
	Outbox     *activitypub.Outbox
	Timelines  *timeline.Builder
	Verifier   *activitypub.SignatureVerifier
	Tokens     *TokenValidator
	Logger     *zap.Logger
}

type handler struct {
	conf       *util.AppConfig
	baseURL    string
	db         *db.DB
	dispatcher *activitypub.Dispatcher
	outbox     *activitypub.Outbox
	timelines  *timeline.Builder
	verifier   *activitypub.SignatureVerifier
	tokens     *TokenValidator
	log        *zap.Logger
}

// NewRouter assembles the federation endpoints, the client API and the feeds.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	switch {
	case deps.Conf == nil:
		return nil, errMissingConfig
	case deps.DB == nil:
		return nil, errMissingDatabase
	case deps.Dispatcher == nil:
		return nil, errMissingDispatcher
	case deps.Outbox == nil:
		return nil, errMissingOutbox
	case deps.Timelines == nil:
		return nil, errMissingTimelines
	case deps.Tokens == nil:
		return nil, errMissingTokens
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	h := &handler{
		conf:       deps.Conf,
		baseURL:    deps.Conf.BaseURL(),
		db:         deps.DB,
		dispatcher: deps.Dispatcher,
		outbox:     deps.Outbox,
		timelines:  deps.Timelines,
		verifier:   deps.Verifier,
		tokens:     deps.Tokens,
		log:        log,
	}

	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(AccessLog(log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.GET("/feed", h.handleFeed)
	g.GET("/feed/:username", h.handleUserFeed)

	if deps.Conf.Conf.WithAp {
		// Stricter rate limit for inbox deliveries: 5 req/sec per IP
		apLimiter := NewRateLimiter(rate.Limit(5), 10)
		maxBodySize := MaxBytesMiddleware(maxActivitySize)

		g.GET("/.well-known/webfinger", h.handleWebfinger)
		g.GET("/users/:username", h.handleActor)
		g.GET("/users/:username/outbox", h.handleOutbox)
		g.GET("/users/:username/outbox/page", h.handleOutboxPage)
		g.GET("/users/:username/followers", h.handleFollowers)
		g.GET("/users/:username/followers/page", h.handleFollowersPage)
		g.GET("/users/:username/following", h.handleFollowing)
		g.GET("/users/:username/following/page", h.handleFollowingPage)
		g.GET("/objects/:id", h.handleObject)
		g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, h.handleInbox)
		g.POST("/users/:username/inbox", RateLimitMiddleware(apLimiter), maxBodySize, h.handleInbox)
	}

	api := g.Group("/api/v1")
	api.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Link"},
		MaxAge:        12 * time.Hour,
	}))
	api.GET("/timelines/public", h.optionalAuth, h.handlePublicTimeline)

	protected := api.Group("/")
	protected.Use(h.authorizeRequest)
	protected.GET("/timelines/home", h.handleHomeTimeline)
	protected.GET("/notifications", h.handleNotifications)
	protected.POST("/statuses", h.handlePostStatus)
	protected.GET("/statuses/:id", h.handleGetStatus)
	protected.DELETE("/statuses/:id", h.handleDeleteStatus)
	protected.POST("/statuses/:id/favourite", h.reaction(h.outbox.Like))
	protected.POST("/statuses/:id/unfavourite", h.reaction(h.outbox.Unlike))
	protected.POST("/statuses/:id/reblog", h.reaction(h.outbox.Reblog))
	protected.POST("/statuses/:id/unreblog", h.reaction(h.outbox.Unreblog))
	protected.POST("/follows", h.handleFollow)
	protected.POST("/unfollows", h.handleUnfollow)
	protected.POST("/follow_requests/authorize", h.handleAuthorizeFollower)
	protected.POST("/follow_requests/reject", h.handleRejectFollower)

	return g, nil
}

// Serve runs handler on the configured address until ctx is cancelled, then drains
// in-flight requests.
func Serve(ctx context.Context, conf *util.AppConfig, handler http.Handler, log *zap.Logger) error {
	addr := fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Info("Starting HTTP server", zap.String("address", listener.Addr().String()), zap.String("base_url", conf.BaseURL()))

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down HTTP server")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	log.Info("HTTP server stopped")
	return nil
}
