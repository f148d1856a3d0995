// Package main is the CLI entrypoint for a Forge resilience and federation
// core instance. It provides subcommands for running the instance (serve),
// managing database migrations (migrate), and printing version information
// (version). The serve command loads configuration, connects to PostgreSQL,
// NATS, and Redis, runs pending migrations, constructs every resilience-fabric
// and federation singleton, starts the background scheduler, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forge-project/forge-core/internal/cache"
	"github.com/forge-project/forge-core/internal/circuitbreaker"
	"github.com/forge-project/forge-core/internal/config"
	"github.com/forge-project/forge-core/internal/database"
	"github.com/forge-project/forge-core/internal/events"
	"github.com/forge-project/forge-core/internal/federation"
	"github.com/forge-project/forge-core/internal/graph"
	"github.com/forge-project/forge-core/internal/nonce"
	"github.com/forge-project/forge-core/internal/scheduler"
	"github.com/forge-project/forge-core/internal/session"
	"github.com/forge-project/forge-core/internal/trust"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("forge-core — Federated knowledge-graph resilience core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  forge <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the resilience and federation core")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  forge.toml (or set FORGE_CONFIG_PATH)")
	fmt.Println("  Env prefix:   FORGE_ (e.g. FORGE_DATABASE_URL)")
}

// instance bundles every process-wide singleton spec.md §9 requires be
// "explicitly constructed at startup and explicitly torn down at shutdown".
type instance struct {
	db         *database.DB
	bus        *events.Bus
	redis      *redis.Client
	breakers   *circuitbreaker.Registry
	trustMgr   *trust.Manager
	nonces     nonce.Store
	cacheTier  *cache.Cache
	invalidate *cache.Invalidator
	protocol   *federation.Protocol
	store      *federation.Store
	engine     *federation.Engine
	sessions   *session.Repository
	sched      *scheduler.Scheduler
}

// runServe starts the full Forge resilience core: loads config, connects to
// every backing service, runs migrations, constructs the trust manager,
// circuit breaker registry, nonce store, query cache, cache invalidator,
// federation protocol and sync engine, and session store, registers the
// default scheduler tasks, and blocks until SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting forge-core",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	inst, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer inst.shutdown(logger)

	peerCount, err := inst.engine.LoadPeers(ctx)
	if err != nil {
		return fmt.Errorf("loading peers: %w", err)
	}
	logger.Info("peers loaded", slog.Int("count", peerCount))

	registerEventSubscriptions(inst, logger)
	registerDefaultTasks(inst, cfg)

	schedCtx, cancelSched := context.WithCancel(ctx)
	if cfg.Scheduler.Enabled {
		inst.sched.Start(schedCtx)
		logger.Info("scheduler started")
	} else {
		logger.Info("scheduler disabled by configuration")
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdownCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	cancelSched()
	inst.sched.Stop()

	logger.Info("forge-core stopped")
	return nil
}

// bootstrap connects to every backing service and constructs the
// resilience-fabric and federation singletons, but does not start the
// scheduler or load peers — callers decide ordering for those.
func bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*instance, error) {
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	bus, err := events.New(cfg.NATS.URL, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	if err := bus.EnsureStreams(); err != nil {
		bus.Close()
		db.Close()
		return nil, fmt.Errorf("ensuring NATS streams: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Cache.Enabled && cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			logger.Warn("invalid cache.redis_url, falling back to memory-only tiers", slog.String("error", err.Error()))
		} else {
			redisClient = redis.NewClient(opts)
			if err := redisClient.Ping(ctx).Err(); err != nil {
				logger.Warn("redis unreachable, falling back to memory-only tiers", slog.String("error", err.Error()))
				redisClient = nil
			}
		}
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger)
	for name, cbCfg := range cfg.CircuitBreaker {
		recovery, err := cbCfg.RecoveryTimeoutParsed()
		if err != nil {
			return nil, fmt.Errorf("circuitbreaker.%s: %w", name, err)
		}
		callTimeout, err := cbCfg.CallTimeoutParsed()
		if err != nil {
			return nil, fmt.Errorf("circuitbreaker.%s: %w", name, err)
		}
		breakers.GetOrCreate(name, &circuitbreaker.Config{
			FailureThreshold:     cbCfg.FailureThreshold,
			FailureRateThreshold: cbCfg.FailureRateThreshold,
			WindowSize:           cbCfg.WindowSize,
			MinCallsForRate:      cbCfg.MinCallsForRate,
			SuccessThreshold:     cbCfg.SuccessThreshold,
			RecoveryTimeout:      recovery,
			CallTimeout:          callTimeout,
			HalfOpenMaxCalls:     cbCfg.HalfOpenMaxCalls,
		})
	}
	// Pre-configured breakers named by spec.md §4.2 "Registry" beyond
	// whatever the operator's [circuitbreaker.*] tables already named.
	for _, name := range []string{"neo4j", "external_ml", "webhook"} {
		breakers.GetOrCreate(name, nil)
	}

	trustMgr := trust.NewManager()

	var nonceStore nonce.Store
	if redisClient != nil {
		nonceStore = nonce.NewRedisStore(redisClient, cfg.Nonce.KeyPrefix, time.Duration(cfg.Nonce.TTLSeconds)*time.Second)
	} else {
		nonceStore = nonce.NewMemoryStore(time.Duration(cfg.Nonce.TTLSeconds)*time.Second, cfg.Nonce.MemoryMaxSenders)
	}

	var cacheTier *cache.Cache
	var invalidator *cache.Invalidator
	if cfg.Cache.Enabled {
		cacheTier = cache.New(cache.Options{
			RedisClient:      redisClient,
			Enabled:          true,
			KeyPrefix:        cfg.Cache.KeyPrefix,
			DefaultTTL:       time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second,
			SearchTTL:        time.Duration(cfg.Cache.SearchTTLSeconds) * time.Second,
			LineageTTL:       time.Duration(cfg.Cache.LineageTTLSeconds) * time.Second,
			MaxResultBytes:   cfg.Cache.MaxCachedResultBytes,
			MemoryMaxEntries: cfg.Cache.MemoryMaxEntries,
			Logger:           logger,
		})
		invalidator = cache.NewInvalidator(
			cacheTier,
			cache.Strategy(cfg.Cache.InvalidationStrategy),
			time.Duration(cfg.Cache.DebounceSeconds)*time.Second,
			logger,
		)
	}

	protocol, err := federation.NewProtocol(
		cfg.Instance.ID,
		cfg.Instance.Name,
		cfg.Federation.SigningKeyPath,
		time.Duration(cfg.Federation.ClockSkewSeconds)*time.Second,
		nonceStore,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("initializing federation protocol: %w", err)
	}

	capsules := graph.NewRepository(db.Pool)
	fedStore := federation.NewStore(db.Pool)
	transport := federation.NewHTTPTransport(protocol, 30*time.Second)

	engine := federation.NewEngine(federation.EngineDeps{
		Store:       fedStore,
		Protocol:    protocol,
		Transport:   transport,
		Capsules:    capsules,
		Trust:       trustMgr,
		Breakers:    breakers,
		Cache:       cacheTier,
		Invalidator: invalidator,
		Logger:      logger,
	})

	var sessionCache *session.Cache
	if cfg.Session.CacheEnabled {
		sessionCache = session.NewCache(redisClient, "forge:session:", time.Duration(cfg.Session.CacheTTLSeconds)*time.Second, cfg.Session.MemoryMaxEntries)
	}
	sessions := session.NewRepository(db.Pool, sessionCache, cfg.Session.MaxIPHistoryPerSession, logger)

	sched := scheduler.New(logger)

	return &instance{
		db:         db,
		bus:        bus,
		redis:      redisClient,
		breakers:   breakers,
		trustMgr:   trustMgr,
		nonces:     nonceStore,
		cacheTier:  cacheTier,
		invalidate: invalidator,
		protocol:   protocol,
		store:      fedStore,
		engine:     engine,
		sessions:   sessions,
		sched:      sched,
	}, nil
}

// registerEventSubscriptions wires the NATS capsule-change subjects into
// the Cache Invalidator (spec.md §4.5 "Events").
func registerEventSubscriptions(inst *instance, logger *slog.Logger) {
	if inst.invalidate == nil {
		return
	}

	subscribe := func(subject string, handle func(context.Context, events.CapsuleEventData) error) {
		if _, err := inst.bus.Subscribe(subject, func(ev events.Event) {
			var data events.CapsuleEventData
			if err := decodeCapsuleEvent(ev, &data); err != nil {
				logger.Warn("dropping malformed capsule event", slog.String("subject", subject), slog.String("error", err.Error()))
				return
			}
			if err := handle(context.Background(), data); err != nil {
				logger.Warn("cache invalidation failed", slog.String("subject", subject), slog.String("error", err.Error()))
			}
		}); err != nil {
			logger.Error("subscribing to capsule events failed", slog.String("subject", subject), slog.String("error", err.Error()))
		}
	}

	subscribe(events.SubjectCapsuleCreated, func(ctx context.Context, d events.CapsuleEventData) error {
		return inst.invalidate.OnCapsuleCreated(ctx, d.CapsuleID)
	})
	subscribe(events.SubjectCapsuleUpdated, func(ctx context.Context, d events.CapsuleEventData) error {
		return inst.invalidate.OnCapsuleUpdated(ctx, d.CapsuleID)
	})
	subscribe(events.SubjectCapsuleDeleted, func(ctx context.Context, d events.CapsuleEventData) error {
		return inst.invalidate.OnCapsuleDeleted(ctx, d.CapsuleID)
	})
	subscribe(events.SubjectLineageChanged, func(ctx context.Context, d events.CapsuleEventData) error {
		return inst.invalidate.OnLineageChanged(ctx, d.CapsuleID, d.ParentIDs)
	})
}

// registerDefaultTasks registers the scheduler's default jobs (spec.md
// §4.6 "Default tasks"): a graph snapshot and a version compaction, both
// routed through the "neo4j" breaker, plus a memory-only query-cache GC and
// a "session_cleanup" sweep of expired sessions.
func registerDefaultTasks(inst *instance, cfg *config.Config) {
	neo4jBreaker := inst.breakers.GetOrCreate("neo4j", nil)
	client := graph.New(inst.db.Pool)

	if cfg.Scheduler.GraphSnapshotEnabled {
		inst.sched.Register("graph_snapshot", func(ctx context.Context) error {
			_, err := circuitbreaker.Call(ctx, neo4jBreaker, func(ctx context.Context) (graph.SnapshotMetrics, error) {
				return graph.Snapshot(ctx, client)
			})
			return err
		}, time.Duration(cfg.Scheduler.GraphSnapshotIntervalMinutes)*time.Minute, true)
	}

	if cfg.Scheduler.VersionCompactionEnabled {
		inst.sched.Register("version_compaction", func(ctx context.Context) error {
			_, err := circuitbreaker.Call(ctx, neo4jBreaker, func(ctx context.Context) (int64, error) {
				return graph.CompactVersions(ctx, client)
			})
			return err
		}, time.Duration(cfg.Scheduler.VersionCompactionIntervalHrs)*time.Hour, true)
	}

	if inst.cacheTier != nil {
		inst.sched.Register("query_cache_cleanup", func(ctx context.Context) error {
			inst.cacheTier.CleanupExpired()
			return nil
		}, time.Duration(cfg.Scheduler.QueryCacheCleanupIntervalMins)*time.Minute, true)
	}

	inst.sched.Register("session_cleanup", func(ctx context.Context) error {
		_, err := inst.sessions.CleanupExpired(ctx)
		return err
	}, 10*time.Minute, true)
}

// shutdown tears down every singleton bootstrap constructed, in reverse
// dependency order (spec.md §9 "explicitly torn down at shutdown").
func (inst *instance) shutdown(logger *slog.Logger) {
	if inst.invalidate != nil {
		inst.invalidate.Close()
	}
	if inst.redis != nil {
		if err := inst.redis.Close(); err != nil {
			logger.Warn("closing redis client", slog.String("error", err.Error()))
		}
	}
	inst.bus.Close()
	inst.db.Close()
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("forge-core %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from FORGE_CONFIG_PATH env var
// or the default "forge.toml".
func configPath() string {
	if p := os.Getenv("FORGE_CONFIG_PATH"); p != "" {
		return p
	}
	return "forge.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// decodeCapsuleEvent unmarshals the Data field of an events.Event into a
// CapsuleEventData, since Subscribe hands back the raw envelope.
func decodeCapsuleEvent(ev events.Event, out *events.CapsuleEventData) error {
	if len(ev.Data) == 0 {
		out.CapsuleID = ev.CapsuleID
		return nil
	}
	return json.Unmarshal(ev.Data, out)
}
