package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a message. Transitions are monotonic:
// PENDING → SENT or PENDING → FAILED, never back.
type Status int16

const (
	StatusPending Status = 1
	StatusSent    Status = 2
	StatusFailed  Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Kind is the priority class of a message.
type Kind int16

const (
	KindRegular Kind = 1
	KindExpress Kind = 2
)

func (k Kind) Valid() bool { return k == KindRegular || k == KindExpress }

// Delivery queues. Express and regular are the two priority classes; dlq
// records pipeline tasks that exhausted their retries.
const (
	QueueExpress = "express"
	QueueRegular = "regular"
	QueueDLQ     = "dlq"
)

// Queue maps the priority class to its delivery queue.
func (k Kind) Queue() string {
	if k == KindExpress {
		return QueueExpress
	}
	return QueueRegular
}

// Account is a prepaid tenant. Balance is message-units and never goes
// negative: the only mutation paths are an atomic add and a conditional
// subtract executed in the database.
type Account struct {
	ID        uuid.UUID `json:"id"`
	APIKey    string    `json:"api_key"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one admitted SMS. The table is range-partitioned on created_at,
// so the primary key is (id, created_at); id alone is still globally unique.
type Message struct {
	ID          uuid.UUID  `json:"id"`
	AccountID   uuid.UUID  `json:"account_id"`
	PhoneNumber string     `json:"phone_number"`
	Message     string     `json:"message"`
	Kind        Kind       `json:"sms_type"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

// Envelope is the queue payload published per admitted message.
type Envelope struct {
	MessageID   uuid.UUID `json:"message_id"`
	AccountID   uuid.UUID `json:"account_id"`
	PhoneNumber string    `json:"phone_number"`
	Message     string    `json:"message"`
	Kind        Kind      `json:"sms_type"`
}

// SettlementRecord is a terminal outcome waiting in the write-behind buffer.
// SentAt is set iff Status == StatusSent.
type SettlementRecord struct {
	MessageID uuid.UUID  `json:"message_id"`
	Status    Status     `json:"status"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// DeadLetter describes a pipeline task that exhausted its retry budget.
// It is a record, not a retry path.
type DeadLetter struct {
	TaskName  string          `json:"task_name"`
	TaskID    string          `json:"task_id"`
	Args      json.RawMessage `json:"args"`
	Exception string          `json:"exception"`
	Timestamp time.Time       `json:"timestamp"`
}
