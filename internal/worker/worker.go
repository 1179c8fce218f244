package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/model"
	"github.com/txtgate/sms-gateway/internal/operator"
)

// maxTaskAttempts bounds in-process retries before a task is dead-lettered.
const maxTaskAttempts = 3

// Dispatcher delivers one SMS through the operator chain.
type Dispatcher interface {
	Send(ctx context.Context, phone, text string) (string, error)
}

// Buffer accepts terminal outcomes for batched settlement.
type Buffer interface {
	Push(ctx context.Context, rec model.SettlementRecord) error
}

// DirectStore is the fallback path when the buffer is unreachable: one
// message settled as a single-element batch.
type DirectStore interface {
	BatchUpdateStatus(ctx context.Context, sentIDs, failedIDs []uuid.UUID, sentAt time.Time) (int64, int64, error)
}

// Publisher carries exhausted tasks to the dead-letter queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Pool runs size goroutines consuming one queue. Delivery is at-least-once:
// acks happen only after the outcome is recorded, so a crash mid-task
// redelivers and may send the same SMS twice. Duplicate sends are accepted;
// duplicate settlements are idempotent (terminal statuses never move).
type Pool struct {
	queue       string
	size        int
	dispatcher  Dispatcher
	buffer      Buffer
	store       DirectStore
	pub         Publisher
	log         *zap.Logger
	backoffBase time.Duration
}

func NewPool(queue string, size int, dispatcher Dispatcher, buffer Buffer, store DirectStore, pub Publisher, log *zap.Logger) *Pool {
	return &Pool{
		queue:       queue,
		size:        size,
		dispatcher:  dispatcher,
		buffer:      buffer,
		store:       store,
		pub:         pub,
		log:         log.With(zap.String("queue", queue)),
		backoffBase: time.Second,
	}
}

// Run consumes deliveries on size goroutines and blocks until the channel
// closes and all in-flight tasks finish.
func (p *Pool) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	p.log.Info("worker pool started", zap.Int("workers", p.size))

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				p.handle(ctx, d)
			}
		}()
	}
	wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) handle(ctx context.Context, d amqp.Delivery) {
	var env model.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		p.log.Error("malformed envelope, dead-lettering", zap.Error(err))
		p.deadLetter(ctx, d.Body, fmt.Sprintf("malformed envelope: %v", err))
		p.ack(d)
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxTaskAttempts; attempt++ {
		lastErr = p.process(ctx, env)
		if lastErr == nil {
			p.ack(d)
			return
		}
		if ctx.Err() != nil {
			// Shutting down: leave the delivery unacked for redelivery.
			return
		}
		p.log.Warn("task attempt failed",
			zap.String("message_id", env.MessageID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
		if attempt < maxTaskAttempts-1 {
			if !sleepCtx(ctx, time.Duration(1<<uint(attempt))*p.backoffBase) {
				return
			}
		}
	}

	p.log.Error("task exhausted retries, dead-lettering",
		zap.String("message_id", env.MessageID.String()),
		zap.Error(lastErr),
	)
	p.deadLetter(ctx, d.Body, lastErr.Error())
	p.ack(d)
}

// process sends one SMS and records its terminal outcome. Operator
// exhaustion is itself an outcome (FAILED), not a task error: the retry
// budget lives inside the dispatcher.
func (p *Pool) process(ctx context.Context, env model.Envelope) error {
	rec := model.SettlementRecord{MessageID: env.MessageID}

	providerID, err := p.dispatcher.Send(ctx, env.PhoneNumber, env.Message)
	switch {
	case err == nil:
		now := time.Now().UTC()
		rec.Status = model.StatusSent
		rec.SentAt = &now
		p.log.Info("message sent",
			zap.String("message_id", env.MessageID.String()),
			zap.String("provider_message_id", providerID),
		)
	case errors.Is(err, operator.ErrAllOperatorsFailed):
		rec.Status = model.StatusFailed
		p.log.Warn("message failed: all operators exhausted",
			zap.String("message_id", env.MessageID.String()),
		)
	default:
		return fmt.Errorf("dispatch: %w", err)
	}

	err = p.buffer.Push(ctx, rec)
	if err == nil {
		return nil
	}
	p.log.Warn("settlement buffer unavailable, settling directly",
		zap.String("message_id", env.MessageID.String()),
		zap.Error(err),
	)

	var sentIDs, failedIDs []uuid.UUID
	sentAt := time.Now().UTC()
	if rec.Status == model.StatusSent {
		sentIDs = []uuid.UUID{rec.MessageID}
		if rec.SentAt != nil {
			sentAt = *rec.SentAt
		}
	} else {
		failedIDs = []uuid.UUID{rec.MessageID}
	}
	if _, _, err := p.store.BatchUpdateStatus(ctx, sentIDs, failedIDs, sentAt); err != nil {
		return fmt.Errorf("direct settlement: %w", err)
	}
	return nil
}

func (p *Pool) deadLetter(ctx context.Context, args []byte, exception string) {
	dl := model.DeadLetter{
		TaskName:  "send_sms:" + p.queue,
		TaskID:    uuid.NewString(),
		Args:      args,
		Exception: exception,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(dl)
	if err != nil {
		p.log.Error("dead letter marshal failed", zap.Error(err))
		return
	}
	if err := p.pub.Publish(ctx, model.QueueDLQ, body); err != nil {
		// The task is still acked by the caller; the error log is the
		// last trace of it.
		p.log.Error("dead letter publish failed", zap.Error(err))
	}
}

func (p *Pool) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		p.log.Warn("ack failed", zap.Error(err))
	}
}

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
