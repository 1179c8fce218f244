package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the tables and indexes the gateway relies on. The
// sms table is range-partitioned on created_at; partitions are created
// separately by EnsurePartitions.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id         UUID PRIMARY KEY,
			api_key    VARCHAR(100) NOT NULL UNIQUE,
			balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_api_key ON accounts (api_key)`,

		`CREATE TABLE IF NOT EXISTS sms (
			id           UUID NOT NULL,
			account_id   UUID NOT NULL REFERENCES accounts (id),
			phone_number VARCHAR(20) NOT NULL,
			message      VARCHAR(70) NOT NULL,
			sms_type     SMALLINT NOT NULL DEFAULT 1,
			status       SMALLINT NOT NULL DEFAULT 1,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			sent_at      TIMESTAMPTZ,
			PRIMARY KEY (id, created_at)
		) PARTITION BY RANGE (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sms_account_created ON sms (account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sms_account_status ON sms (account_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sms_status ON sms (status)`,
		`CREATE INDEX IF NOT EXISTS idx_sms_created ON sms (created_at)`,

		`CREATE TABLE IF NOT EXISTS outbox (
			id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			queue           VARCHAR(32) NOT NULL,
			payload         JSONB NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			published_at    TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON outbox (next_attempt_at) WHERE published_at IS NULL`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// EnsurePartitions pre-creates monthly partitions of the sms table starting
// at the month containing from, for the given number of months.
func EnsurePartitions(ctx context.Context, pool *pgxpool.Pool, from time.Time, months int) error {
	start := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < months; i++ {
		lo := start.AddDate(0, i, 0)
		hi := start.AddDate(0, i+1, 0)
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF sms FOR VALUES FROM ('%s') TO ('%s')`,
			partitionName(lo),
			lo.Format("2006-01-02"),
			hi.Format("2006-01-02"),
		)
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create partition %s: %w", partitionName(lo), err)
		}
	}
	return nil
}

func partitionName(month time.Time) string {
	return fmt.Sprintf("sms_%04d_%02d", month.Year(), int(month.Month()))
}
