package settle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/model"
)

const lockKey = "settle:lock"

// lockTTL must outlive the slowest plausible batch update so a slow tick
// never overlaps a second settler. A crashed settler blocks settlement for
// at most this long; buffered records simply wait.
const lockTTL = 30 * time.Second

// releaseScript deletes the lock only if we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// MessageStore applies coalesced terminal outcomes.
// Satisfied by *store.Store.
type MessageStore interface {
	BatchUpdateStatus(ctx context.Context, sentIDs, failedIDs []uuid.UUID, sentAt time.Time) (int64, int64, error)
}

// Settler periodically drains the buffer and applies the outcomes as at
// most two batched UPDATEs in one transaction. A Redis lock keeps ticks
// single-flight across all worker processes; a skipped tick only delays
// terminal-status visibility.
type Settler struct {
	rdb       *redis.Client
	buffer    *Buffer
	store     MessageStore
	interval  time.Duration
	batchSize int
	log       *zap.Logger
}

func New(rdb *redis.Client, buffer *Buffer, store MessageStore, interval time.Duration, batchSize int, log *zap.Logger) *Settler {
	return &Settler{
		rdb:       rdb,
		buffer:    buffer,
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		log:       log,
	}
}

// Run ticks until ctx is cancelled.
func (s *Settler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("batch settler started",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("batch settler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Settler) tick(ctx context.Context) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, lockKey, token, lockTTL).Result()
	if err != nil {
		s.log.Error("settle lock acquire failed", zap.Error(err))
		return
	}
	if !ok {
		// Another settler owns this tick.
		return
	}
	defer func() {
		if err := releaseScript.Run(ctx, s.rdb, []string{lockKey}, token).Err(); err != nil && err != redis.Nil {
			s.log.Warn("settle lock release failed", zap.Error(err))
		}
	}()

	raws, err := s.buffer.Drain(ctx, s.batchSize)
	if err != nil {
		s.log.Error("settlement buffer drain failed", zap.Error(err))
		return
	}
	if len(raws) == 0 {
		return
	}

	var sentIDs, failedIDs []uuid.UUID
	var earliestSentAt *time.Time
	for _, raw := range raws {
		var rec model.SettlementRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.log.Error("malformed settlement record discarded", zap.String("raw", raw), zap.Error(err))
			continue
		}
		switch rec.Status {
		case model.StatusSent:
			sentIDs = append(sentIDs, rec.MessageID)
			if rec.SentAt != nil && (earliestSentAt == nil || rec.SentAt.Before(*earliestSentAt)) {
				earliestSentAt = rec.SentAt
			}
		case model.StatusFailed:
			failedIDs = append(failedIDs, rec.MessageID)
		default:
			s.log.Error("settlement record with non-terminal status discarded",
				zap.String("message_id", rec.MessageID.String()),
				zap.Int16("status", int16(rec.Status)),
			)
		}
	}
	if len(sentIDs) == 0 && len(failedIDs) == 0 {
		return
	}

	// One timestamp per batch: coarse-grained settlement keeps the update
	// down to two statements.
	sentAt := time.Now().UTC()
	if earliestSentAt != nil {
		sentAt = *earliestSentAt
	}

	sentRows, failedRows, err := s.store.BatchUpdateStatus(ctx, sentIDs, failedIDs, sentAt)
	if err != nil {
		s.log.Error("batch status update failed, requeueing records", zap.Error(err))
		if rqErr := s.buffer.Requeue(ctx, raws); rqErr != nil {
			s.log.Error("requeue after failed batch update failed, records lost",
				zap.Int("records", len(raws)),
				zap.Error(rqErr),
			)
		}
		return
	}

	s.log.Info("settlement batch applied",
		zap.Int("sent", len(sentIDs)),
		zap.Int("failed", len(failedIDs)),
		zap.Int64("sent_rows", sentRows),
		zap.Int64("failed_rows", failedRows),
	)
}
