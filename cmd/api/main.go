package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/client"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/config"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/db"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/http"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/repository/memstore"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/scheduler"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/service"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.Info("Starting Proxy Fleet Service...")

	// Load configuration
	cfg, err := config.Load(log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid config")
	}
	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var stores *repository.Stores
	switch cfg.Database.Driver {
	case "memory":
		log.Warn("using in-memory store, state is lost on restart")
		stores = memstore.New()
	default:
		database, err := db.New(ctx, &cfg.Database, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to database")
		}
		defer database.Close()
		if err := database.EnsureSchema(ctx); err != nil {
			log.WithError(err).Fatal("Failed to apply schema")
		}
		stores = repository.NewPostgresStores(database.Pool)
	}

	// Per-user lock: Redis when configured so several replicas can serve
	// the API, in-process otherwise
	var locker service.UserLocker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("Failed to connect to redis")
		}
		locker = service.NewRedisLocker(log, rdb, cfg.Redis.LockTTL)
	} else {
		locker = service.NewKeyedMutex()
	}

	// Initialize clients
	registry := client.NewRegistry(log, cfg.Nodes.Timeout, cfg.Nodes.ClientTTL)
	subscriptionClient := client.NewSubscriptionClient(
		cfg.Services.SubscriptionServiceURL,
		cfg.InternalSecret,
		cfg.Services.SubscriptionTimeout,
	)

	// Initialize services
	nodeService := service.NewNodeService(log, stores, registry)
	provisioner := service.NewProvisioner(log, stores, registry, locker, service.ProvisionerOptions{
		Obfuscated:  cfg.Provision.Obfuscated,
		Concurrency: cfg.Nodes.Concurrency,
	})
	subscriptionService := service.NewSubscriptionService(log, stores)
	integrationService := service.NewIntegrationService(log, stores, provisioner, subscriptionService, subscriptionClient)

	sched := scheduler.New(log, stores, registry, nodeService, provisioner, subscriptionClient, scheduler.Options{
		HealthInterval:      cfg.Scheduler.HealthInterval,
		EntitlementInterval: cfg.Scheduler.EntitlementInterval,
		ExpiryInterval:      cfg.Scheduler.ExpiryInterval,
		OfflineAfter:        cfg.Scheduler.OfflineAfter,
		SweepTimeout:        cfg.Scheduler.SweepTimeout,
		NodeConcurrency:     cfg.Nodes.Concurrency,
		UserConcurrency:     cfg.Scheduler.UserConcurrency,
	})
	if cfg.Scheduler.Enabled {
		if err := sched.Start(); err != nil {
			log.WithError(err).Fatal("Failed to start scheduler")
		}
	} else {
		log.Warn("scheduler disabled, sweeps run only when triggered")
	}

	// Initialize HTTP server
	server := http.NewServer(log, cfg, http.Services{
		Nodes:         nodeService,
		Subscriptions: subscriptionService,
		Provisioner:   provisioner,
		Integration:   integrationService,
		Scheduler:     sched,
	})
	srv := &nethttp.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown failed")
	}
	sched.Stop(shutdownCtx)

	log.Info("Server exited")
}
