package store

import (
	"context"
	"fmt"
	"time"
)

// OutboxEntry is one queue publish waiting to leave the database.
type OutboxEntry struct {
	ID      int64
	Queue   string
	Payload []byte
}

// claimWindow is how long a claimed entry stays invisible to other
// publishers. A publish that fails is retried after the window elapses.
const claimWindow = 15 * time.Second

// ClaimOutbox picks up to limit unpublished entries, pushing their
// next_attempt_at into the future so concurrent publishers skip them.
// The claim commits before any network publish to keep row locks short.
func (s *Store) ClaimOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT id, queue, payload
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= now()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.Queue, &e.Payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}

	if len(entries) == 0 {
		return nil, tx.Commit(ctx)
	}

	inFlightUntil := time.Now().Add(claimWindow)
	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET next_attempt_at = $2 WHERE id = $1`,
			e.ID, inFlightUntil,
		); err != nil {
			return nil, fmt.Errorf("mark outbox in-flight: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return entries, nil
}

// MarkOutboxPublished records that the entry reached the broker.
func (s *Store) MarkOutboxPublished(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE outbox SET published_at = now() WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}
