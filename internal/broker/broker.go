package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/model"
)

const dialRetries = 7

// Connection is a process-wide AMQP connection that redials on transport
// failure. Channels are opened per consumer/publisher on top of it.
type Connection struct {
	url string
	log *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial connects with exponential backoff (1s, 2s, 4s, ...). The backoff is
// abandoned when ctx is cancelled so shutdown never waits out the ladder.
func Dial(ctx context.Context, url string, log *zap.Logger) (*Connection, error) {
	c := &Connection{url: url, log: log}
	if _, err := c.get(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) get(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	var lastErr error
	for i := 0; i < dialRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := amqp.Dial(c.url)
		if err == nil {
			c.conn = conn
			return conn, nil
		}
		lastErr = err
		wait := time.Duration(1<<uint(i)) * time.Second
		c.log.Warn("broker dial failed, retrying",
			zap.Int("attempt", i+1),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		if !sleepCtx(ctx, wait) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("connect to broker after %d attempts: %w", dialRetries, lastErr)
}

// Channel opens a fresh channel, redialing the connection if needed.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// DeclareQueues creates the three durable delivery queues.
func (c *Connection) DeclareQueues(ctx context.Context) error {
	ch, err := c.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	for _, q := range []string{model.QueueExpress, model.QueueRegular, model.QueueDLQ} {
		if _, err := ch.QueueDeclare(
			q,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return nil
}

// Deliveries consumes a queue with manual ack and the given prefetch bound.
// The returned channel survives broker restarts: on channel/connection loss
// the consumer re-registers until ctx is cancelled. Unacked messages are
// redelivered by the broker (at-least-once).
func (c *Connection) Deliveries(ctx context.Context, queue string, prefetch int) <-chan amqp.Delivery {
	out := make(chan amqp.Delivery)

	go func() {
		defer close(out)
		for ctx.Err() == nil {
			ch, err := c.Channel(ctx)
			if err != nil {
				c.log.Error("consumer channel open failed", zap.String("queue", queue), zap.Error(err))
				sleepCtx(ctx, time.Second)
				continue
			}
			if err := ch.Qos(prefetch, 0, false); err != nil {
				c.log.Error("set QoS failed", zap.String("queue", queue), zap.Error(err))
				ch.Close() //nolint:errcheck
				sleepCtx(ctx, time.Second)
				continue
			}
			msgs, err := ch.Consume(
				queue,
				"",    // consumer tag
				false, // auto-ack: workers ack after terminal settlement
				false, // exclusive
				false, // no-local
				false, // no-wait
				nil,
			)
			if err != nil {
				c.log.Error("consume failed", zap.String("queue", queue), zap.Error(err))
				ch.Close() //nolint:errcheck
				sleepCtx(ctx, time.Second)
				continue
			}

			c.log.Info("consumer started", zap.String("queue", queue), zap.Int("prefetch", prefetch))
			if !forward(ctx, msgs, out) {
				ch.Close() //nolint:errcheck
				return
			}
			// msgs closed under us: transport failure, reconnect
			c.log.Warn("consumer channel closed, reconnecting", zap.String("queue", queue))
		}
	}()

	return out
}

// forward copies deliveries until the source closes (returns true) or the
// context is cancelled (returns false).
func forward(ctx context.Context, in <-chan amqp.Delivery, out chan<- amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-in:
			if !ok {
				return true
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return false
			}
		}
	}
}

// sleepCtx returns false when ctx was cancelled before the duration passed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
