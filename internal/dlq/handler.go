package dlq

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/model"
)

// recordsKey holds dead letters for operator inspection.
const recordsKey = "dlq:records"

// Handler consumes the dead-letter queue. A dead letter is a record of a
// permanently failed pipeline task, not a retry path: the handler logs it
// and keeps a copy in Redis, then acks.
type Handler struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewHandler(rdb *redis.Client, log *zap.Logger) *Handler {
	return &Handler{rdb: rdb, log: log}
}

// Run drains deliveries until the channel closes or ctx is cancelled.
func (h *Handler) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	h.log.Info("dlq handler started")
	for {
		select {
		case <-ctx.Done():
			h.log.Info("dlq handler stopped")
			return
		case d, ok := <-deliveries:
			if !ok {
				h.log.Info("dlq handler stopped: deliveries closed")
				return
			}
			h.Record(ctx, d.Body)
			if err := d.Ack(false); err != nil {
				h.log.Warn("dlq ack failed", zap.Error(err))
			}
		}
	}
}

// Record logs the dead letter and appends the raw body to the inspection
// list. Storage failures are logged and swallowed: the log line is the
// primary record.
func (h *Handler) Record(ctx context.Context, body []byte) {
	var dl model.DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil {
		h.log.Error("dead letter with unreadable body",
			zap.ByteString("body", body),
			zap.Error(err),
		)
	} else {
		h.log.Error("dead letter received",
			zap.String("task_name", dl.TaskName),
			zap.String("task_id", dl.TaskID),
			zap.String("exception", dl.Exception),
			zap.Time("timestamp", dl.Timestamp),
		)
	}

	if err := h.rdb.RPush(ctx, recordsKey, body).Err(); err != nil {
		h.log.Warn("dead letter store failed", zap.Error(err))
	}
}
