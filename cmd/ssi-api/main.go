// Command ssi-api serves the credential issuance and verification API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ssilab/ssi-service/internal/config"
	"github.com/ssilab/ssi-service/internal/httpapi"
	"github.com/ssilab/ssi-service/internal/kvttl"
	"github.com/ssilab/ssi-service/internal/storage"
	"github.com/ssilab/ssi-service/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var log *zap.Logger
	if cfg.Env == "dev" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
		gin.SetMode(gin.ReleaseMode)
	}
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Fatal("telemetry setup failed", zap.Error(err))
	}

	store, err := storage.Open(cfg.DBDSN)
	if err != nil {
		log.Fatal("database open failed", zap.Error(err))
	}

	var kv kvttl.Store
	if cfg.RedisURL != "" {
		kv, err = kvttl.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connect failed", zap.Error(err))
		}
	} else {
		kv = kvttl.NewMemory()
	}

	srv, err := httpapi.NewServer(cfg, log, store, kv)
	if err != nil {
		log.Fatal("server setup failed", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Env))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracer shutdown failed", zap.Error(err))
	}
}
