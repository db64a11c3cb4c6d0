package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"realmd/internal/affinity"
	"realmd/internal/audit"
	"realmd/internal/auth"
	"realmd/internal/bus"
	"realmd/internal/cache"
	"realmd/internal/combat"
	"realmd/internal/config"
	"realmd/internal/gateway"
	"realmd/internal/lock"
	"realmd/internal/logging"
	"realmd/internal/movement"
	"realmd/internal/progression"
	"realmd/internal/ratelimit"
	"realmd/internal/session"
	"realmd/internal/store"
	"realmd/internal/zone"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	defer rdb.Close()

	st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns,
		logging.Component(logger, "store"))
	if err != nil {
		return err
	}
	defer st.Close()

	// Redis-backed infrastructure shared by the engines.
	kv := cache.New(rdb, cfg.Redis.KeyPrefix, logging.Component(logger, "cache"))
	locks := lock.NewManager(rdb, cfg.Redis.KeyPrefix, cfg.Gameplay.LockWaitBudget,
		logging.Component(logger, "lock"))
	limits := ratelimit.NewLimiter(rdb, cfg.Redis.KeyPrefix, logging.Component(logger, "ratelimit"))
	sessions := session.NewStore(kv, cfg.Session, logging.Component(logger, "session"))
	eventBus := bus.New(rdb, logging.Component(logger, "bus"))

	auditLog := audit.NewLogger(st, logging.Component(logger, "audit"))
	auditLog.Run(ctx)
	defer auditLog.Close()

	// Engines. Zone doubles as the occupancy index for movement.
	zones := zone.NewEngine(st, kv, logging.Component(logger, "zone"))
	moves := movement.NewEngine(st, locks, eventBus, limits, externalGates{}, zones,
		logging.Component(logger, "movement"))
	progress := progression.NewEngine(st, locks, eventBus, logging.Component(logger, "progression"))
	affinities := affinity.NewEngine(st, locks, eventBus, limits, logging.Component(logger, "affinity"))
	encounters := combat.NewEngine(st, locks, eventBus, limits, progress, affinities, nil, nil,
		logging.Component(logger, "combat"))
	identity := auth.NewEngine(st, sessions, kv, limits, auditLog, cfg.Auth,
		logging.Component(logger, "auth"))

	gw := gateway.New(gateway.Config{
		Auth:        identity,
		Sessions:    sessions,
		Characters:  st,
		Zones:       zones,
		Movement:    moves,
		Combat:      encounters,
		Progression: progress,
		Affinity:    affinities,
		Bus:         eventBus,
		Limits:      limits,
		Presence:    kv,
		PresenceTTL: cfg.Gameplay.PresenceTTL,
		Logger:      logging.Component(logger, "gateway"),
	})

	// One cluster-wide subscription; the hub routes envelopes to sockets.
	sub, err := eventBus.Subscribe(ctx)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		gw.Hub().Run(ctx)
		return nil
	})
	group.Go(func() error {
		for env := range sub.Events() {
			gw.Hub().Deliver(env)
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		_ = sub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	logger.Info("server stopped")
	return err
}

// externalGates answers inventory and quest checks for gated exits. Both
// services live outside this server, so gated exits stay closed until a
// real client is wired in.
type externalGates struct{}

func (externalGates) HasItem(context.Context, uuid.UUID, string) (bool, error) {
	return false, nil
}

func (externalGates) HasCompletedQuest(context.Context, uuid.UUID, string) (bool, error) {
	return false, nil
}
