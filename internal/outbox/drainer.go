package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/store"
)

// Source claims and settles outbox entries.
// Satisfied by *store.Store; decoupled here so drainer tests can use fakes.
type Source interface {
	ClaimOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
}

// Publisher pushes a payload onto a queue, returning only after the broker
// confirmed it.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Drainer moves committed outbox rows into the broker. It is the second half
// of the admission transaction: debit + insert + outbox row commit together,
// then this loop publishes. An entry whose publish fails stays unpublished
// and is retried after its claim window expires.
type Drainer struct {
	src      Source
	pub      Publisher
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewDrainer(src Source, pub Publisher, interval time.Duration, batch int, log *zap.Logger) *Drainer {
	return &Drainer{src: src, pub: pub, interval: interval, batch: batch, log: log}
}

// Run polls the outbox until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info("outbox drainer started", zap.Duration("interval", d.interval))

	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox drainer stopped")
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

func (d *Drainer) drainOnce(ctx context.Context) {
	entries, err := d.src.ClaimOutbox(ctx, d.batch)
	if err != nil {
		d.log.Error("outbox claim failed", zap.Error(err))
		return
	}

	for _, e := range entries {
		if err := d.pub.Publish(ctx, e.Queue, e.Payload); err != nil {
			// Stays unpublished; retried after the claim window.
			d.log.Warn("outbox publish failed",
				zap.Int64("outbox_id", e.ID),
				zap.String("queue", e.Queue),
				zap.Error(err),
			)
			continue
		}
		if err := d.src.MarkOutboxPublished(ctx, e.ID); err != nil {
			// Publish succeeded but the mark failed: the entry will be
			// re-published after the window. At-least-once, consumers
			// tolerate the duplicate.
			d.log.Warn("outbox mark-published failed", zap.Int64("outbox_id", e.ID), zap.Error(err))
		}
	}
}
