package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/api"
	"github.com/txtgate/sms-gateway/internal/auth"
	"github.com/txtgate/sms-gateway/internal/broker"
	"github.com/txtgate/sms-gateway/internal/config"
	"github.com/txtgate/sms-gateway/internal/outbox"
	"github.com/txtgate/sms-gateway/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := config.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	st := store.New(pool)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer rdb.Close() //nolint:errcheck
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	conn, err := broker.Dial(ctx, cfg.Broker.URL, logger)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck
	if err := conn.DeclareQueues(ctx); err != nil {
		return err
	}
	pub := broker.NewPublisher(conn, logger)
	defer pub.Close() //nolint:errcheck

	// Outbox drainer: publishes what admission committed.
	drainer := outbox.NewDrainer(st, pub, cfg.Outbox.Poll(), cfg.Outbox.BatchSize, logger)
	go drainer.Run(ctx)

	cache := auth.NewCache(rdb, st, cfg.Auth.CacheTTL(), logger)
	handler := api.NewHandler(st, st, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	handler.Register(r.Group(cfg.API.Prefix), auth.Middleware(cache))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	}

	cancel()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	return srv.Shutdown(shutCtx)
}
