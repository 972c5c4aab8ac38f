package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/tusker/activitypub"
	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/logging"
	"github.com/deemkeen/tusker/notify"
	"github.com/deemkeen/tusker/timeline"
	"github.com/deemkeen/tusker/tracing"
	"github.com/deemkeen/tusker/util"
	"github.com/deemkeen/tusker/web"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const tokenTTL = 90 * 24 * time.Hour

func main() {
	rootCmd := &cobra.Command{
		Use:           util.Name,
		Short:         "Federated microblogging server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd(), createUserCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds what every command needs: configuration, a logger and the database.
type app struct {
	conf *util.AppConfig
	log  *zap.Logger
	db   *db.DB
}

func setup(ctx context.Context) (*app, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, err
	}
	log, err := logging.NewLogger(conf.Conf.LogLevel)
	if err != nil {
		return nil, err
	}
	log.Info("Configuration loaded",
		zap.String("source", conf.Source),
		zap.String("base_url", conf.BaseURL()),
		zap.Bool("federation", conf.Conf.WithAp))

	database, err := db.Open(ctx, util.ResolveFilePath(conf.Conf.Database), log)
	if err != nil {
		log.Sync() //nolint:errcheck
		return nil, errors.Wrap(err, "open database")
	}
	return &app{conf: conf, log: log, db: database}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("Failed to close database", zap.Error(err))
	}
	a.log.Sync() //nolint:errcheck
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the delivery worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	conf := a.conf

	if conf.Trace.Enabled {
		shutdown, err := tracing.Setup(ctx, util.Name, conf.Trace.Endpoint)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				a.log.Warn("Failed to flush traces", zap.Error(err))
			}
		}()
	}

	var rdb *redis.Client
	if conf.Redis.Addr != "" {
		rdb = notify.NewRedis(conf.Redis.Addr, conf.Redis.Password, conf.Redis.Db)
		defer rdb.Close()
	}

	cache, err := newCache(conf, rdb)
	if err != nil {
		return err
	}

	var publisher notify.Publisher = notify.NopPublisher{}
	if rdb != nil {
		publisher = notify.NewRedisPublisher(rdb, conf.Notify.Channel, a.log)
	}

	fetcher := activitypub.NewHTTPFetcher(conf.Federation.Timeout, a.log)
	httpDeliverer := activitypub.NewHTTPDeliverer(conf.Federation.Timeout, a.log)
	var deliverer activitypub.Deliverer = httpDeliverer
	if conf.Delivery.Queue {
		deliverer = activitypub.NewQueueDeliverer(a.db)
		worker := activitypub.NewDeliveryWorker(a.db, httpDeliverer, conf.Delivery.Interval, conf.Delivery.Batch, a.log)
		go worker.Run(ctx)
	}

	opts := activitypub.Options{
		DB:        a.db,
		Fetcher:   fetcher,
		Deliverer: deliverer,
		Publisher: publisher,
		BaseURL:   conf.BaseURL(),
		Log:       a.log,
	}

	tokens, err := web.NewTokenValidator(conf.Auth.JwtSecret, util.Name)
	if err != nil {
		return errors.Wrap(err, "auth.jwtSecret")
	}

	deps := web.Dependencies{
		Conf:       conf,
		DB:         a.db,
		Dispatcher: activitypub.NewDispatcher(opts),
		Outbox:     activitypub.NewOutbox(opts),
		Timelines:  timeline.NewBuilder(a.db, cache, conf.Cache.Ttl, a.log),
		Tokens:     tokens,
		Logger:     a.log,
	}
	if conf.Federation.VerifySignatures {
		deps.Verifier = activitypub.NewSignatureVerifier(activitypub.NewActorResolver(a.db, fetcher, a.log), a.log)
	} else {
		a.log.Warn("Inbox signature verification is disabled")
	}

	router, err := web.NewRouter(deps)
	if err != nil {
		return err
	}
	return web.Serve(ctx, conf, router, a.log)
}

// newCache picks the timeline cache named by cache.driver. A nil cache disables caching.
func newCache(conf *util.AppConfig, rdb *redis.Client) (timeline.Cache, error) {
	switch conf.Cache.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return timeline.NewMemoryCache(conf.Cache.Ttl), nil
	case "memcached":
		if conf.Cache.Addr == "" {
			return nil, errors.New("cache.addr is required for the memcached driver")
		}
		return timeline.NewMemcacheCache(timeline.NewMemcache(conf.Cache.Addr)), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis.addr is required for the redis cache driver")
		}
		return timeline.NewRedisCache(rdb), nil
	default:
		return nil, errors.Errorf("unknown cache driver %q", conf.Cache.Driver)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			a.log.Info("Database migrations complete")
			return nil
		},
	}
}

func createUserCmd() *cobra.Command {
	var summary string
	var manual bool

	cmd := &cobra.Command{
		Use:   "create-user <username>",
		Short: "Register a local actor and print an API token for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			tokens, err := web.NewTokenValidator(a.conf.Auth.JwtSecret, util.Name)
			if err != nil {
				return errors.Wrap(err, "auth.jwtSecret")
			}
			actor, err := activitypub.CreateLocalActor(ctx, a.db, a.conf.BaseURL(), args[0], summary, manual)
			if err != nil {
				return err
			}
			token, err := tokens.IssueToken(actor.Id, tokenTTL)
			if err != nil {
				return err
			}
			a.log.Info("Created local actor", zap.String("actor", actor.Id))
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", actor.Acct(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "Profile summary")
	cmd.Flags().BoolVar(&manual, "manual", false, "Approve followers manually")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), util.GetNameAndVersion())
		},
	}
}
