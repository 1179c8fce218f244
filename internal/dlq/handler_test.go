package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/model"
)

func handlerSetup(t *testing.T) (*miniredis.Miniredis, *Handler) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewHandler(rdb, zap.NewNop())
}

func TestRecord_StoresDeadLetter(t *testing.T) {
	mr, h := handlerSetup(t)

	dl := model.DeadLetter{
		TaskName:  "send_sms:express",
		TaskID:    "task-1",
		Args:      json.RawMessage(`{"message_id":"x"}`),
		Exception: "dispatch: dns lookup failed",
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(dl)
	if err != nil {
		t.Fatal(err)
	}

	h.Record(context.Background(), body)

	stored, err := mr.List(recordsKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored record, got %d", len(stored))
	}
	var got model.DeadLetter
	if err := json.Unmarshal([]byte(stored[0]), &got); err != nil {
		t.Fatal(err)
	}
	if got.TaskID != dl.TaskID || got.Exception != dl.Exception {
		t.Fatalf("unexpected stored dead letter: %+v", got)
	}
}

func TestRecord_UnreadableBodyStillStored(t *testing.T) {
	mr, h := handlerSetup(t)

	h.Record(context.Background(), []byte("garbage"))

	stored, err := mr.List(recordsKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0] != "garbage" {
		t.Fatalf("expected raw body kept for inspection, got %v", stored)
	}
}
