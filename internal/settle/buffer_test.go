package settle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/txtgate/sms-gateway/internal/model"
)

func bufferSetup(t *testing.T) (*miniredis.Miniredis, *Buffer) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewBuffer(rdb)
}

func TestBuffer_PushDrainFIFO(t *testing.T) {
	_, b := bufferSetup(t)
	ctx := context.Background()

	ids := make([]uuid.UUID, 3)
	now := time.Now().UTC()
	for i := range ids {
		ids[i] = uuid.New()
		rec := model.SettlementRecord{MessageID: ids[i], Status: model.StatusSent, SentAt: &now}
		if err := b.Push(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	raws, err := b.Drain(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(raws) != 3 {
		t.Fatalf("expected 3 records, got %d", len(raws))
	}
	for i, raw := range raws {
		var rec model.SettlementRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			t.Fatal(err)
		}
		if rec.MessageID != ids[i] {
			t.Fatalf("position %d: expected %s, got %s", i, ids[i], rec.MessageID)
		}
	}
}

func TestBuffer_DrainBounded(t *testing.T) {
	_, b := bufferSetup(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := model.SettlementRecord{MessageID: uuid.New(), Status: model.StatusFailed}
		if err := b.Push(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	raws, err := b.Drain(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(raws) != 2 {
		t.Fatalf("expected 2 records, got %d", len(raws))
	}

	raws, err = b.Drain(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(raws) != 3 {
		t.Fatalf("expected remaining 3 records, got %d", len(raws))
	}
}

func TestBuffer_DrainEmpty(t *testing.T) {
	_, b := bufferSetup(t)

	raws, err := b.Drain(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if raws != nil {
		t.Fatalf("expected nil on empty buffer, got %v", raws)
	}
}

func TestBuffer_Requeue(t *testing.T) {
	_, b := bufferSetup(t)
	ctx := context.Background()

	rec := model.SettlementRecord{MessageID: uuid.New(), Status: model.StatusFailed}
	if err := b.Push(ctx, rec); err != nil {
		t.Fatal(err)
	}
	raws, err := b.Drain(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Requeue(ctx, raws); err != nil {
		t.Fatal(err)
	}
	again, err := b.Drain(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0] != raws[0] {
		t.Fatalf("expected the requeued record back, got %v", again)
	}
}
