package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/agent"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/agenthttp"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/config"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.Info("Starting Node Agent...")

	cfg, err := config.LoadAgent(log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	var engine agent.Engine
	switch cfg.Engine {
	case "memory":
		log.Warn("using in-memory engine, no relay is actually started")
		engine = agent.NewMemoryEngine()
	default:
		engine = agent.NewDockerEngine(log, cfg.DockerBinary)
	}

	reconciler, err := agent.NewReconciler(log, engine, agent.Options{
		DataDir:          cfg.DataDir,
		MTProtoImage:     cfg.MTProtoImage,
		MTProtoContainer: cfg.MTProtoContainer,
		MTProtoPort:      cfg.MTProtoPort,
		Workers:          cfg.MTProtoWorkers,
		StatsURL:         cfg.MTProtoStatsURL,
		Socks5Image:      cfg.Socks5Image,
		Socks5Container:  cfg.Socks5Container,
		Socks5Port:       cfg.Socks5Port,
		ProxySecretURL:   cfg.ProxySecretURL,
		ProxyConfigURL:   cfg.ProxyConfigURL,
		HTTPClient:       &http.Client{Timeout: cfg.CommandTimeout},
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to load desired state")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 重启后按期望文件恢复中继，失败不阻止 API 启动
	bootCtx, cancelBoot := context.WithTimeout(ctx, 2*cfg.CommandTimeout)
	if err := reconciler.Boot(bootCtx); err != nil {
		log.WithError(err).Error("Relay boot incomplete, next change or restart retries")
	}
	cancelBoot()

	server := agenthttp.NewServer(log, cfg.Mode, cfg.APIToken, reconciler)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.CommandTimeout + 10*time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("Agent API starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Agent API failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Agent shutdown failed")
	}

	log.Info("Agent exited")
}
