package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluesky-social/bailiff/activity"
	"github.com/bluesky-social/bailiff/modapi"
	"github.com/bluesky-social/bailiff/moderation"
	"github.com/bluesky-social/bailiff/notifs"
	"github.com/bluesky-social/bailiff/resolver"
	"github.com/bluesky-social/bailiff/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "bailiff",
		Usage:   "moderation action ledger and notification events",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/bailiff/bailiff.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.BoolFlag{
			Name:    "db-tracing",
			Usage:   "emit a trace span for every database query",
			EnvVars: []string{"BAILIFF_DB_TRACING"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"BAILIFF_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: text or json",
			Value:   "json",
			EnvVars: []string{"BAILIFF_LOG_FORMAT", "LOG_FORMAT"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		actionsCmd,
		reportsCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the moderation API and notification dispatcher",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":2590",
			EnvVars: []string{"BAILIFF_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":2591",
			EnvVars: []string{"BAILIFF_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:     "admin-password",
			Usage:    "basic auth password for the admin routes (username 'admin')",
			Required: true,
			EnvVars:  []string{"BAILIFF_ADMIN_PASSWORD"},
		},
		&cli.BoolFlag{
			Name:    "jaeger",
			Usage:   "export traces to a local jaeger collector",
			EnvVars: []string{"BAILIFF_JAEGER"},
		},
		&cli.StringFlag{
			Name:    "resolver",
			Usage:   "where subject existence is checked: index or pds",
			Value:   "index",
			EnvVars: []string{"BAILIFF_RESOLVER"},
		},
		&cli.StringFlag{
			Name:    "pds-host",
			Usage:   "method, hostname, and port of the PDS used by the pds resolver",
			Value:   "http://localhost:2583",
			EnvVars: []string{"BAILIFF_PDS_HOST", "ATP_PDS_HOST"},
		},
		&cli.Float64Flag{
			Name:    "pds-rate-limit",
			Usage:   "max requests per second to the PDS",
			Value:   20,
			EnvVars: []string{"BAILIFF_PDS_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "resolver-cache-size",
			Usage:   "number of resolved subjects to cache; zero disables caching",
			Value:   10_000,
			EnvVars: []string{"BAILIFF_RESOLVER_CACHE_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "resolver-cache-ttl",
			Value:   5 * time.Minute,
			EnvVars: []string{"BAILIFF_RESOLVER_CACHE_TTL"},
		},
		&cli.StringFlag{
			Name:    "sink",
			Usage:   "where notification messages are delivered: local, redis, nats or null",
			Value:   "local",
			EnvVars: []string{"BAILIFF_SINK"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Value:   "redis://localhost:6379/0",
			EnvVars: []string{"BAILIFF_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-stream",
			Value:   "bailiff-notifs",
			EnvVars: []string{"BAILIFF_REDIS_STREAM"},
		},
		&cli.BoolFlag{
			Name:    "consume-stream",
			Usage:   "also read the redis stream back into the local notification store",
			EnvVars: []string{"BAILIFF_CONSUME_STREAM"},
		},
		&cli.StringFlag{
			Name:    "nats-url",
			EnvVars: []string{"BAILIFF_NATS_URL", "NATS_URL"},
		},
		&cli.StringFlag{
			Name:    "nats-prefix",
			Value:   "bailiff",
			EnvVars: []string{"BAILIFF_NATS_PREFIX"},
		},
		&cli.DurationFlag{
			Name:    "dispatch-interval",
			Usage:   "how often the outbox is flushed when idle",
			Value:   5 * time.Second,
			EnvVars: []string{"BAILIFF_DISPATCH_INTERVAL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := cliutil.ConfigLogger(cctx, os.Stdout)

		shutdownTracing, err := configTracing(ctx, cctx.Bool("jaeger"))
		if err != nil {
			return err
		}
		defer shutdownTracing()

		db, err := openDatabase(cctx)
		if err != nil {
			return err
		}

		store, err := notifs.NewStore(db, logger.With("system", "notifs"))
		if err != nil {
			return err
		}

		var sink notifs.Sink
		var consumer *notifs.StreamConsumer
		switch cctx.String("sink") {
		case "local":
			sink = store
		case "redis":
			opts, err := redis.ParseURL(cctx.String("redis-url"))
			if err != nil {
				return fmt.Errorf("parsing redis URL: %w", err)
			}
			rdb := redis.NewClient(opts)
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("connecting to redis: %w", err)
			}
			defer rdb.Close()
			sink = &notifs.RedisStreamSink{
				Client: rdb,
				Stream: cctx.String("redis-stream"),
				MaxLen: 1_000_000,
			}
			if cctx.Bool("consume-stream") {
				hostname, _ := os.Hostname()
				consumer = &notifs.StreamConsumer{
					Client:   rdb,
					Stream:   cctx.String("redis-stream"),
					Group:    "bailiff-store",
					Consumer: hostname,
					Sink:     store,
					Logger:   logger.With("system", "notifs-consumer"),
				}
			}
		case "nats":
			nc, js, err := notifs.ConnectJetStream(ctx, cctx.String("nats-url"), cctx.String("nats-prefix"))
			if err != nil {
				return err
			}
			defer nc.Close()
			sink = &notifs.JetStreamSink{JS: js, Prefix: cctx.String("nats-prefix")}
		case "null":
			sink = &notifs.NullSink{}
		default:
			return fmt.Errorf("unknown sink %q", cctx.String("sink"))
		}

		outbox, err := notifs.NewDispatcher(db, sink, notifs.DispatcherConfig{
			Interval: cctx.Duration("dispatch-interval"),
			Logger:   logger.With("system", "notifs-outbox"),
		})
		if err != nil {
			return err
		}

		res, err := configResolver(cctx, db, logger)
		if err != nil {
			return err
		}

		engine, err := moderation.NewEngine(db, moderation.Config{
			Resolver: res,
			Outbox:   outbox,
			Logger:   logger.With("system", "moderation"),
		})
		if err != nil {
			return err
		}

		handler, err := activity.NewHandler(db, outbox, logger.With("system", "activity"))
		if err != nil {
			return err
		}

		srv, err := modapi.NewServer(modapi.Config{
			Engine:        engine,
			Activity:      handler,
			AdminPassword: cctx.String("admin-password"),
			Logger:        logger.With("system", "modapi"),
			Bind:          cctx.String("bind"),
		})
		if err != nil {
			return err
		}

		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			return runMetrics(ctx, cctx.String("metrics-listen"))
		})
		eg.Go(func() error {
			return outbox.Run(ctx)
		})
		if consumer != nil {
			eg.Go(func() error {
				return consumer.Run(ctx)
			})
		}
		eg.Go(func() error {
			return srv.RunAPI(ctx)
		})

		if err := eg.Wait(); err != nil {
			return fmt.Errorf("bailiff exited: %w", err)
		}
		logger.Info("graceful shutdown complete")
		return nil
	},
}

func openDatabase(cctx *cli.Context) (*gorm.DB, error) {
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return nil, err
	}
	if cctx.Bool("db-tracing") {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func configResolver(cctx *cli.Context, db *gorm.DB, logger *slog.Logger) (resolver.Resolver, error) {
	var res resolver.Resolver
	switch cctx.String("resolver") {
	case "index":
		res = resolver.NewIndexResolver(db)
	case "pds":
		res = resolver.NewPDSResolver(cctx.String("pds-host"), cctx.Float64("pds-rate-limit"), logger.With("system", "resolver"))
	default:
		return nil, fmt.Errorf("unknown resolver %q", cctx.String("resolver"))
	}
	if size := cctx.Int("resolver-cache-size"); size > 0 {
		res = resolver.NewCachingResolver(res, size, cctx.Duration("resolver-cache-ttl"))
	}
	return res, nil
}

func runMetrics(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("metrics server shutdown error", "err", err)
		}
	}()

	slog.Info("starting metrics server", "listen", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
