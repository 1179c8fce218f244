package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/broker"
	"github.com/txtgate/sms-gateway/internal/config"
	"github.com/txtgate/sms-gateway/internal/dlq"
	"github.com/txtgate/sms-gateway/internal/model"
	"github.com/txtgate/sms-gateway/internal/operator"
	"github.com/txtgate/sms-gateway/internal/settle"
	"github.com/txtgate/sms-gateway/internal/store"
	"github.com/txtgate/sms-gateway/internal/worker"
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
		logger.Fatal("worker exited", zap.Error(err))
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

	bufRdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.BufferAddr,
		Password: cfg.Redis.Password,
	})
	defer bufRdb.Close() //nolint:errcheck
	if err := bufRdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping buffer redis: %w", err)
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

	dispatcher := operator.NewDispatcher(cfg.Operators, logger)
	buffer := settle.NewBuffer(bufRdb)

	var wg sync.WaitGroup

	// Express and regular pools share the dispatcher and buffer; only the
	// queue and concurrency differ.
	pools := []struct {
		queue string
		size  int
	}{
		{model.QueueExpress, cfg.Worker.ExpressWorkers},
		{model.QueueRegular, cfg.Worker.RegularWorkers},
	}
	for _, pc := range pools {
		p := worker.NewPool(pc.queue, pc.size, dispatcher, buffer, st, pub, logger)
		deliveries := conn.Deliveries(ctx, pc.queue, cfg.Worker.Prefetch)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx, deliveries)
		}()
	}

	dlqHandler := dlq.NewHandler(bufRdb, logger)
	dlqDeliveries := conn.Deliveries(ctx, model.QueueDLQ, cfg.Worker.Prefetch)
	wg.Add(1)
	go func() {
		defer wg.Done()
		dlqHandler.Run(ctx, dlqDeliveries)
	}()

	settler := settle.New(bufRdb, buffer, st, cfg.Settle.Interval(), cfg.Settle.BatchSize, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		settler.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", zap.String("signal", s.String()))

	cancel()
	wg.Wait()
	return nil
}
