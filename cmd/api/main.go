package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kivu-pay/kivu_pay/internal/cluster"
	"github.com/kivu-pay/kivu_pay/internal/config"
	"github.com/kivu-pay/kivu_pay/internal/events"
	"github.com/kivu-pay/kivu_pay/internal/infra"
	"github.com/kivu-pay/kivu_pay/internal/logging"
	"github.com/kivu-pay/kivu_pay/internal/router"
	"github.com/kivu-pay/kivu_pay/internal/server"
	"github.com/kivu-pay/kivu_pay/internal/txlog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	var log txlog.Log
	if db != nil {
		if _, err := db.Exec(ctx, txlog.Schema()); err != nil {
			logger.Error("apply tx log schema", "error", err)
			os.Exit(1)
		}
		log = txlog.NewPostgresLog(db)
	} else {
		logger.Warn("no DATABASE_URL, transaction log is in-memory")
		log = txlog.NewInMemory()
	}

	var mapStore router.MapStore
	if cache != nil {
		mapStore = router.NewRedisMapStore(cache)
	}

	var publisher events.Publisher
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			logger.Error("connect amqp", "error", err)
			os.Exit(1)
		}
		defer amqpPub.Close()
		publisher = amqpPub
	} else {
		publisher = events.NewLoggerPublisher(logger)
	}

	cl, err := cluster.New(cluster.Options{
		ShardCount:  cfg.ShardCount,
		CallTimeout: cfg.CallTimeout,
		Log:         log,
		MapStore:    mapStore,
		Publisher:   publisher,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("start cluster", "error", err)
		os.Exit(1)
	}
	defer cl.Stop()

	if err := cl.Recover(ctx); err != nil {
		logger.Error("recover in-flight transactions", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, db, cache, cl, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
