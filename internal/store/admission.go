package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/txtgate/sms-gateway/internal/model"
)

// AdmitMessage is the admission transaction: conditionally debit one unit,
// insert the PENDING row, and append the queue envelope to the outbox, all
// in one transaction. Either everything commits or nothing does, so a failed
// insert can never leave a dangling debit and a committed message always has
// an outbox row waiting to be published.
func (s *Store) AdmitMessage(ctx context.Context, accountID uuid.UUID, phone, text string, kind model.Kind) (*model.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET balance = balance - 1
		WHERE id = $1 AND balance >= 1
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("debit account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrInsufficientBalance
	}

	msg := &model.Message{
		ID:          uuid.New(),
		AccountID:   accountID,
		PhoneNumber: phone,
		Message:     text,
		Kind:        kind,
		Status:      model.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO sms (id, account_id, phone_number, message, sms_type, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.AccountID, msg.PhoneNumber, msg.Message, msg.Kind, msg.Status, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	env := model.Envelope{
		MessageID:   msg.ID,
		AccountID:   msg.AccountID,
		PhoneNumber: msg.PhoneNumber,
		Message:     msg.Message,
		Kind:        msg.Kind,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (queue, payload, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $3)
	`, msg.Kind.Queue(), payload, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert outbox row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}
