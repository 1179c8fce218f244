package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const confirmWait = 5 * time.Second

// Publisher publishes persistent messages with publisher confirms, reopening
// its channel after transport failures.
type Publisher struct {
	c   *Connection
	log *zap.Logger

	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
}

func NewPublisher(c *Connection, log *zap.Logger) *Publisher {
	return &Publisher{c: c, log: log}
}

func (p *Publisher) reset(ctx context.Context) error {
	ch, err := p.c.Channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close() //nolint:errcheck
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

// drop discards the channel so the next publish starts with a fresh one and
// a clean confirm stream.
func (p *Publisher) drop() {
	if p.ch != nil {
		p.ch.Close() //nolint:errcheck
	}
	p.ch = nil
	p.confirms = nil
}

// Publish sends body to the named queue (default exchange) and waits for the
// confirm belonging to this publish, identified by its delivery tag. An
// unconfirmed or nacked publish returns an error so the caller can retry;
// the outbox relies on this to keep at-least-once. Once a confirm goes
// unobserved (timeout, cancellation) the channel is dropped: a confirm left
// behind must never be attributed to a later publish.
func (p *Publisher) Publish(ctx context.Context, queue string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.reset(ctx); err != nil {
			return err
		}
	}

	seq := p.ch.GetNextPublishSeqNo()
	err := p.ch.PublishWithContext(ctx,
		"",    // default exchange routes by queue name
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		p.drop()
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	if err := awaitConfirm(ctx, p.confirms, seq, confirmWait); err != nil {
		p.drop()
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// awaitConfirm waits for the confirmation whose delivery tag matches seq.
// Confirms with a lower tag belong to publishes that were abandoned before
// their confirm arrived and are discarded.
func awaitConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, seq uint64, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case conf, ok := <-confirms:
			if !ok {
				return errors.New("channel closed before confirm")
			}
			if conf.DeliveryTag < seq {
				continue
			}
			if !conf.Ack {
				return errors.New("broker nacked publish")
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New("confirm timeout")
		}
	}
}

// Close releases the publisher channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}
