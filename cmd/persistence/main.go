package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/riptide-persistence/internal/config"
	"github.com/devrev/riptide-persistence/internal/coordination"
	"github.com/devrev/riptide-persistence/internal/health"
	"github.com/devrev/riptide-persistence/internal/logging"
	"github.com/devrev/riptide-persistence/internal/metrics"
	"github.com/devrev/riptide-persistence/internal/server"
	"github.com/devrev/riptide-persistence/internal/service"
	"github.com/devrev/riptide-persistence/internal/store"
	"github.com/devrev/riptide-persistence/internal/tracing"
	"github.com/devrev/riptide-persistence/internal/util/diskguard"
	"github.com/devrev/riptide-persistence/internal/util/workerpool"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	maintenanceInterval = time.Minute
	dbConnectTimeout    = 30 * time.Second
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting riptide persistence node",
		zap.String("node_id", cfg.Node.NodeID),
		zap.String("redis_addr", cfg.Redis.Addr()),
		zap.String("tenant_store", cfg.Tenant.StoreBackend),
		zap.Bool("outbox_enabled", cfg.Outbox.Enabled))

	if err := run(configPath, cfg, logger); err != nil {
		logger.Fatal("Persistence node failed", zap.Error(err))
	}
	logger.Info("Persistence node stopped")
}

func run(configPath string, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(cfg.Node.NodeID, registry)

	tracer := tracing.Noop()
	if cfg.Tracing.Enabled {
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.Tracing.ServiceName),
			attribute.String("service.instance.id", cfg.Node.NodeID),
		)))
		otel.SetTracerProvider(tp)
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("Tracer provider shutdown failed", zap.Error(err))
			}
		}()
		tracer = tracing.New()
	}

	// Backing store
	backend, err := store.NewRedisStore(store.RedisConfig{
		Addr:          cfg.Redis.Addr(),
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		DialTimeout:   cfg.Redis.DialTimeout,
		ReadTimeout:   cfg.Redis.ReadTimeout,
		WriteTimeout:  cfg.Redis.WriteTimeout,
		ChannelPrefix: cfg.Coordination.ChannelPrefix,
		NodeID:        cfg.Node.NodeID,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect backing store: %w", err)
	}
	defer backend.Close()
	keys := store.KeySpace{Prefix: cfg.Coordination.ChannelPrefix}

	tenantStore, outbox, pool, err := openTenantStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	events := service.NopEventSink()
	if cfg.Outbox.Enabled {
		events = service.NewOutboxSink(outbox, cfg.Node.NodeID)
	}

	// Local persistence
	checkpointGuard := diskguard.New(diskguard.Config{
		Dir:           cfg.State.CheckpointDir,
		RejectPercent: cfg.State.DiskRejectPercent,
	}, logger)
	spillGuard := diskguard.New(diskguard.Config{
		Dir:           cfg.State.SpilloverDir,
		RejectPercent: cfg.State.DiskRejectPercent,
	}, logger)

	checkpointOpts := []service.CheckpointOption{
		service.WithDiskGuard(checkpointGuard),
		service.WithTracer(tracer),
	}
	var index *store.SQLiteCheckpointIndex
	if cfg.State.CheckpointIndexPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.State.CheckpointIndexPath), 0o755); err != nil {
			return fmt.Errorf("create checkpoint index directory: %w", err)
		}
		index, err = store.NewSQLiteCheckpointIndex(cfg.State.CheckpointIndexPath)
		if err != nil {
			return fmt.Errorf("open checkpoint index: %w", err)
		}
		defer index.Close()
		checkpointOpts = append(checkpointOpts, service.WithCheckpointIndex(index))
	}

	checkpoints, err := service.NewCheckpointService(service.CheckpointConfig{
		Dir:      cfg.State.CheckpointDir,
		MaxAge:   cfg.State.CheckpointMaxAge,
		MaxCount: cfg.State.CheckpointMaxCount,
		Timeout:  cfg.Node.OperationTimeout,
	}, m, logger, checkpointOpts...)
	if err != nil {
		return fmt.Errorf("create checkpoint service: %w", err)
	}

	spill, err := service.NewSpilloverService(service.SpilloverConfig{
		Dir:   cfg.State.SpilloverDir,
		Guard: spillGuard,
	}, m, logger)
	if err != nil {
		return fmt.Errorf("create spillover service: %w", err)
	}

	// Services
	bus := coordination.NewInvalidationBus(backend, keys, m, logger)
	warming := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "cache-warming",
		MaxWorkers: cfg.Cache.WarmingWorkers,
		Logger:     logger,
	})

	cache := service.NewCacheService(cfg.Cache, service.CacheDeps{
		KV:          backend,
		Coordinator: backend,
		Invalidator: bus,
		Local:       service.NewLocalCache(service.LocalCacheConfig{MaxSize: cfg.Cache.LocalMaxBytes}, logger),
		Pool:        warming,
		Metrics:     m,
		Tracer:      tracer,
		Logger:      logger,
		Timeout:     cfg.Node.OperationTimeout,
	})
	bus.Handle(cache.HandleInvalidation)

	state := service.NewStateService(cfg.State, service.StateDeps{
		KV:          backend,
		Spillover:   spill,
		Checkpoints: checkpoints,
		Events:      events,
		Metrics:     m,
		Tracer:      tracer,
		Logger:      logger,
		KeyPrefix:   cfg.Cache.KeyPrefix,
		Timeout:     cfg.Node.OperationTimeout,
	})

	tenants := service.NewTenantService(cfg.Tenant, tenantStore, events, m, tracer, logger)
	if cfg.Tenant.PolicyFile != "" {
		policies, err := service.LoadPolicies(cfg.Tenant.PolicyFile)
		if err != nil {
			return fmt.Errorf("load access policies: %w", err)
		}
		applied, err := tenants.ApplyPolicies(ctx, policies)
		if err != nil {
			return fmt.Errorf("apply access policies: %w", err)
		}
		logger.Info("Access policies applied", zap.Int("tenants", applied))
	}

	// Hot reload
	watcher := config.NewWatcher(configPath, cfg, logger)
	watcher.OnChange(func(_, updated *config.Config) {
		cache.ApplyConfig(updated.Cache)
		state.ApplyConfig(updated.State)
		tenants.ApplyConfig(updated.Tenant)
		m.ConfigReloadsTotal.WithLabelValues("accepted").Inc()
	})
	watcher.OnReject(func(error) {
		m.ConfigReloadsTotal.WithLabelValues("rejected").Inc()
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("Configuration hot reload disabled", zap.String("path", configPath), zap.Error(err))
	}

	restored, err := state.RestoreSessions(ctx)
	if err != nil {
		logger.Error("Session restore incomplete", zap.Int("restored", restored), zap.Error(err))
	} else {
		logger.Info("Sessions restored", zap.Int("restored", restored))
	}

	g, gctx := errgroup.WithContext(ctx)

	// Cluster coordination
	if err := bus.Start(gctx); err != nil {
		return fmt.Errorf("start invalidation bus: %w", err)
	}
	membership := coordination.NewMembership(backend, coordination.MembershipConfig{
		Metadata:          cfg.Node.Metadata,
		NodeTTL:           cfg.Coordination.NodeTTL,
		HeartbeatInterval: cfg.Coordination.HeartbeatInterval,
	}, m, logger)
	if err := membership.Start(gctx); err != nil {
		return err
	}

	var gossip *coordination.GossipMembership
	if cfg.Coordination.Gossip.Enabled {
		gc := cfg.Coordination.Gossip
		gossip, err = coordination.NewGossipMembership(coordination.GossipConfig{
			BindPort:       gc.BindPort,
			SeedNodes:      gc.SeedNodes,
			GossipInterval: gc.GossipInterval,
			ProbeTimeout:   gc.ProbeTimeout,
			ProbeInterval:  gc.ProbeInterval,
		}, cfg.Node.NodeID, cfg.Node.Metadata, logger)
		if err != nil {
			return fmt.Errorf("start gossip: %w", err)
		}
		logger.Info("Gossip membership started", zap.String("addr", gossip.Addr()))
	}

	elector := coordination.NewLeaderElector(backend, cfg.Coordination.LeaderTTL, m, logger)
	leaderWork := &outboxLeader{
		enabled: cfg.Outbox.Enabled,
		newPublisher: func() *service.OutboxPublisher {
			return service.NewOutboxPublisher(watcher.Current().Outbox, outbox, backend, keys, m, logger)
		},
	}
	elector.OnElected(func() { leaderWork.start(gctx) })
	elector.OnRevoked(leaderWork.stop)
	elector.Start(gctx)

	state.Start(gctx)

	// Operator HTTP surface
	checker := health.NewChecker(health.Config{NodeID: cfg.Node.NodeID}, logger)
	checker.Register(health.PingCheck("backend", backend.Ping))
	if pool != nil {
		checker.Register(health.PingCheck("tenant_store", pool.Ping))
	}
	checker.Register(health.DiskCheck("checkpoint_disk", checkpointGuard, 80, cfg.State.DiskRejectPercent))
	checker.Register(health.DiskCheck("spillover_disk", spillGuard, 80, cfg.State.DiskRejectPercent))
	checker.Register(health.MemoryCheck(state.MemoryUsage, 0.9))

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = registry
	}
	srv := server.New(server.Config{
		Port:            cfg.Metrics.Port,
		MetricsPath:     cfg.Metrics.Path,
		ShutdownTimeout: cfg.Node.ShutdownTimeout,
	}, server.Deps{
		Gatherer: gatherer,
		Health:   checker,
		Cluster:  coordination.ClusterView{Membership: membership, Gossip: gossip},
		Leader:   elector,
		Billing:  tenants,
		Stats: func() interface{} {
			used, limit := state.MemoryUsage()
			return map[string]interface{}{
				"cache":                cache.Stats(),
				"session_memory_bytes": used,
				"session_memory_limit": limit,
				"is_leader":            elector.IsLeader(),
				"warming_pool":         warming.Stats(),
			}
		},
		NodeID: cfg.Node.NodeID,
		Logger: logger,
	})

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	g.Go(func() error {
		checker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		maintain(gctx, cache, tenants, logger)
		return nil
	})

	logger.Info("Persistence node ready")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Serving stopped with error", zap.Error(err))
	}

	logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer cancel()

	if err := elector.Stop(shutdownCtx); err != nil {
		logger.Warn("Failed to release leadership", zap.Error(err))
	}
	leaderWork.stop()
	if err := state.Shutdown(shutdownCtx); err != nil {
		logger.Error("State shutdown failed", zap.Error(err))
	}
	if err := membership.Stop(shutdownCtx); err != nil {
		logger.Warn("Failed to unregister node", zap.Error(err))
	}
	if err := bus.Stop(); err != nil {
		logger.Warn("Failed to stop invalidation bus", zap.Error(err))
	}
	if err := warming.Stop(cfg.Node.ShutdownTimeout); err != nil {
		logger.Warn("Cache warming pool did not drain", zap.Error(err))
	}
	if gossip != nil {
		if err := gossip.Shutdown(time.Second); err != nil {
			logger.Warn("Gossip shutdown failed", zap.Error(err))
		}
	}
	return nil
}

// openTenantStores picks the tenant and outbox stores. The returned pool is nil for the memory backend.
func openTenantStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.TenantStore, store.OutboxStore, *pgxpool.Pool, error) {
	if cfg.Tenant.StoreBackend != "postgres" {
		logger.Info("Using in-memory tenant store")
		return store.NewMemoryTenantStore(), store.NewMemoryOutboxStore(), nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer cancel()

	pool, err := store.NewPostgresPool(connectCtx, store.PostgresConfig{
		ConnString:      cfg.Database.ConnString(),
		MaxConns:        int32(cfg.Database.MaxConnections),
		MinConns:        int32(cfg.Database.MinConnections),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect tenant database: %w", err)
	}

	tenants := store.NewPostgresTenantStore(pool)
	if err := tenants.EnsureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("prepare tenant schema: %w", err)
	}

	outbox, err := store.NewPostgresOutboxStore(pool, cfg.Outbox.Table)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if err := outbox.EnsureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("prepare outbox schema: %w", err)
	}

	logger.Info("Using Postgres tenant store",
		zap.String("database_host", cfg.Database.Host),
		zap.String("database_name", cfg.Database.Database))
	return tenants, outbox, pool, nil
}

// outboxLeader runs the outbox publisher only while this node leads
type outboxLeader struct {
	enabled      bool
	newPublisher func() *service.OutboxPublisher

	mu      sync.Mutex
	current *service.OutboxPublisher
}

func (l *outboxLeader) start(ctx context.Context) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		return
	}
	l.current = l.newPublisher()
	l.current.Start(ctx)
}

func (l *outboxLeader) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		l.current.Stop()
		l.current = nil
	}
}

// maintain adapts the near-cache weights and closes due billing periods
func maintain(ctx context.Context, cache *service.CacheService, tenants *service.TenantService, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cache.MaintainLocal()
			closed, err := tenants.RolloverDue(ctx)
			if err != nil {
				logger.Warn("Billing rollover failed", zap.Error(err))
			}
			for _, snap := range closed {
				logger.Info("Billing period closed",
					zap.String("tenant_id", snap.TenantID),
					zap.Int64("operations", snap.Operations))
			}
		}
	}
}
