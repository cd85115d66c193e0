package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gamblescope/wager-engine/internal/api"
	"github.com/gamblescope/wager-engine/internal/config"
	"github.com/gamblescope/wager-engine/internal/events"
	"github.com/gamblescope/wager-engine/internal/exposure"
	"github.com/gamblescope/wager-engine/internal/ledger"
	"github.com/gamblescope/wager-engine/internal/lock"
	"github.com/gamblescope/wager-engine/internal/market"
	"github.com/gamblescope/wager-engine/internal/snapshot"
	"github.com/gamblescope/wager-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("WAGER_CONFIG"), "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("wager-engine exited", "err", err)
		os.Exit(1)
	}
	slog.Info("wager-engine stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache + distributed market lock) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Store ---
	var (
		st       store.Store
		memStore *store.MemoryStore
	)
	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("postgres dsn not set, using in-memory store")
		memStore = store.NewMemoryStore()
		st = memStore
	}

	// --- Snapshots (in-memory store only) ---
	var sinks []snapshot.Sink
	if memStore != nil {
		if cfg.Snapshot.Path != "" {
			sinks = append(sinks, snapshot.NewFileSink(cfg.Snapshot.Path))
		}
		if cfg.S3.Bucket != "" {
			s3Sink, err := snapshot.NewS3Sink(ctx, snapshot.S3Options{
				Bucket:         cfg.S3.Bucket,
				Region:         cfg.S3.Region,
				Endpoint:       cfg.S3.Endpoint,
				Prefix:         cfg.S3.Prefix,
				AccessKey:      cfg.S3.AccessKey,
				SecretKey:      cfg.S3.SecretKey,
				ForcePathStyle: cfg.S3.ForcePathStyle,
			})
			if err != nil {
				return err
			}
			sinks = append(sinks, s3Sink)
		}
		// The first sink that has data wins.
		for _, sink := range sinks {
			restored, err := snapshot.Restore(ctx, sink, memStore)
			if err != nil {
				return fmt.Errorf("restore snapshot: %w", err)
			}
			if restored {
				slog.Info("snapshot restored")
				break
			}
		}
	}

	// --- Market lock ---
	var locker lock.Locker = lock.NewKeyedMutex()
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL.Duration, 0)
		slog.Info("distributed market lock enabled")
	}

	// --- Ledger, limits, registry ---
	bus := events.NewBus()
	accounts := ledger.New(st, bus)

	adminBalance, err := cfg.AdminBalance()
	if err != nil {
		return err
	}
	if _, err := accounts.SeedAdmin(ctx, cfg.Ledger.AdminID, cfg.Ledger.AdminUsername, adminBalance); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	var limiter *exposure.Limiter
	maxStake, maxPerMarket, maxOpen, err := cfg.StakeLimits()
	if err != nil {
		return err
	}
	if l := exposure.NewLimiter(maxStake, maxPerMarket, maxOpen); l.Enabled() {
		limiter = l
		slog.Info("stake limits enabled",
			"max_stake", maxStake.String(),
			"max_per_market", maxPerMarket.String(),
			"max_open_exposure", maxOpen.String(),
		)
	}

	registry := market.NewRegistry(st, locker, bus, market.Options{
		Limiter:     limiter,
		LockTimeout: cfg.Server.LockTimeout.Duration,
		Logger:      logger,
	})
	if err := registry.RefreshMetrics(ctx); err != nil {
		slog.Warn("refresh metrics failed", "err", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// --- Change feed ---
	hub := api.NewWSHub()
	bus.Subscribe(hub.HandleEvent)
	g.Go(func() error { return hub.Run(ctx) })

	if len(cfg.Kafka.Brokers) > 0 {
		pub := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.Buffer, logger)
		bus.Subscribe(pub.Handle)
		g.Go(func() error { return pub.Run(ctx) })
		slog.Info("kafka publisher enabled", "topic", cfg.Kafka.Topic)
	}

	if len(sinks) > 0 {
		runner := snapshot.NewRunner(memStore, cfg.Snapshot.Interval.Duration, logger, sinks...)
		g.Go(func() error { return runner.Run(ctx) })
	}

	// --- HTTP server ---
	router := api.NewRouter(api.NewService(registry, accounts), hub, api.RouterConfig{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
	})
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("wager-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down wager-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
