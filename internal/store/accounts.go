package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/txtgate/sms-gateway/internal/model"
)

// apiKeyBytes gives 256 bits of entropy per generated key.
const apiKeyBytes = 32

const maxKeyGenRetries = 5

func generateAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateAccount inserts a new account with a freshly generated API key and
// zero balance. The UNIQUE constraint on api_key arbitrates concurrent key
// collisions; on collision a new key is generated, up to maxKeyGenRetries.
func (s *Store) CreateAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	for attempt := 0; attempt < maxKeyGenRetries; attempt++ {
		key, err := generateAPIKey()
		if err != nil {
			return nil, err
		}

		var acct model.Account
		err = s.pool.QueryRow(ctx, `
			INSERT INTO accounts (id, api_key, balance, created_at)
			VALUES ($1, $2, 0, now())
			RETURNING id, api_key, balance, created_at
		`, id, key).Scan(&acct.ID, &acct.APIKey, &acct.Balance, &acct.CreatedAt)
		if err == nil {
			return &acct, nil
		}
		if isUniqueViolation(err, "pkey") {
			return nil, ErrConflict
		}
		if isUniqueViolation(err, "api_key") {
			continue
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return nil, ErrKeyGenExhausted
}

// AccountByAPIKey returns the account owning the key, or nil when unknown.
func (s *Store) AccountByAPIKey(ctx context.Context, apiKey string) (*model.Account, error) {
	return s.accountWhere(ctx, "api_key = $1", apiKey)
}

// AccountByID returns the account, or nil when unknown.
func (s *Store) AccountByID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	return s.accountWhere(ctx, "id = $1", id)
}

func (s *Store) accountWhere(ctx context.Context, cond string, arg any) (*model.Account, error) {
	var acct model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, api_key, balance, created_at FROM accounts WHERE `+cond, arg,
	).Scan(&acct.ID, &acct.APIKey, &acct.Balance, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}
	return &acct, nil
}

// Charge atomically adds amount to the account balance and returns the
// refreshed row. Amount must be positive.
func (s *Store) Charge(ctx context.Context, id uuid.UUID, amount int64) (*model.Account, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("charge amount must be positive, got %d", amount)
	}
	var acct model.Account
	err := s.pool.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $2
		WHERE id = $1
		RETURNING id, api_key, balance, created_at
	`, id, amount).Scan(&acct.ID, &acct.APIKey, &acct.Balance, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("charge account: %w", err)
	}
	return &acct, nil
}

// Debit atomically subtracts amount iff the balance covers it. The
// conditional UPDATE is the sole guarantee that balance stays non-negative
// under concurrent sends; it reports false when no row matched.
func (s *Store) Debit(ctx context.Context, id uuid.UUID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET balance = balance - $2
		WHERE id = $1 AND balance >= $2
	`, id, amount)
	if err != nil {
		return false, fmt.Errorf("debit account: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
