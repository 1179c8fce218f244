package settle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/txtgate/sms-gateway/internal/model"
)

const bufferKey = "settle:buffer"

// Buffer is the write-behind list of terminal outcomes: workers push at one
// end, the settler drains bounded chunks at the other. It is not durable
// storage: a buffer loss leaves the affected messages PENDING until a
// reconciliation pass.
type Buffer struct {
	rdb *redis.Client
}

func NewBuffer(rdb *redis.Client) *Buffer {
	return &Buffer{rdb: rdb}
}

// Push appends one record atomically. Callers fall back to a direct
// database update when this fails.
func (b *Buffer) Push(ctx context.Context, rec model.SettlementRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal settlement record: %w", err)
	}
	if err := b.rdb.RPush(ctx, bufferKey, raw).Err(); err != nil {
		return fmt.Errorf("push settlement record: %w", err)
	}
	return nil
}

// Drain pops up to max raw records in FIFO order. Decoding is left to the
// settler so it can log and skip malformed entries individually.
func (b *Buffer) Drain(ctx context.Context, max int) ([]string, error) {
	raws, err := b.rdb.LPopCount(ctx, bufferKey, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("drain settlement buffer: %w", err)
	}
	return raws, nil
}

// Requeue pushes raw records back after a failed batch update so they are
// retried on a later tick.
func (b *Buffer) Requeue(ctx context.Context, raws []string) error {
	if len(raws) == 0 {
		return nil
	}
	vals := make([]any, len(raws))
	for i, r := range raws {
		vals[i] = r
	}
	if err := b.rdb.RPush(ctx, bufferKey, vals...).Err(); err != nil {
		return fmt.Errorf("requeue settlement records: %w", err)
	}
	return nil
}
