package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/txtgate/sms-gateway/internal/model"
)

const messageColumns = "id, account_id, phone_number, message, sms_type, status, created_at, sent_at"

// MessageByID fetches a message by id alone; id is globally unique even
// though the primary key includes created_at for partitioning.
func (s *Store) MessageByID(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	var m model.Message
	err := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM sms WHERE id = $1`, id,
	).Scan(&m.ID, &m.AccountID, &m.PhoneNumber, &m.Message, &m.Kind, &m.Status, &m.CreatedAt, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select message: %w", err)
	}
	return &m, nil
}

// ListFilter narrows ListMessages. Nil fields are not applied.
type ListFilter struct {
	Status    *model.Status
	Kind      *model.Kind
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	PageSize  int
}

// ListMessages returns one page of an account's messages, newest first,
// plus the total match count.
func (s *Store) ListMessages(ctx context.Context, accountID uuid.UUID, f ListFilter) ([]model.Message, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 50
	}

	where := sq.And{sq.Eq{"account_id": accountID}}
	if f.Status != nil {
		where = append(where, sq.Eq{"status": *f.Status})
	}
	if f.Kind != nil {
		where = append(where, sq.Eq{"sms_type": *f.Kind})
	}
	if f.StartDate != nil {
		where = append(where, sq.GtOrEq{"created_at": *f.StartDate})
	}
	if f.EndDate != nil {
		where = append(where, sq.LtOrEq{"created_at": *f.EndDate})
	}

	countSQL, countArgs, err := psql.Select("count(*)").From("sms").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int64
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	pageSQL, pageArgs, err := psql.Select(messageColumns).From("sms").
		Where(where).
		OrderBy("created_at DESC").
		Limit(uint64(f.PageSize)).
		Offset(uint64((f.Page - 1) * f.PageSize)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.pool.Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]model.Message, 0, f.PageSize)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.AccountID, &m.PhoneNumber, &m.Message, &m.Kind, &m.Status, &m.CreatedAt, &m.SentAt); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate messages: %w", err)
	}
	return items, total, nil
}

// BatchUpdateStatus applies terminal outcomes as at most two UPDATE
// statements inside one transaction: sent rows get the shared sentAt,
// failed rows get none. The status guard keeps already-terminal rows
// untouched, so redeliveries and duplicate drains are no-ops.
func (s *Store) BatchUpdateStatus(ctx context.Context, sentIDs, failedIDs []uuid.UUID, sentAt time.Time) (int64, int64, error) {
	if len(sentIDs) == 0 && len(failedIDs) == 0 {
		return 0, 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var sentRows, failedRows int64
	if len(sentIDs) > 0 {
		sqlStr, args, err := psql.Update("sms").
			Set("status", model.StatusSent).
			Set("sent_at", sentAt).
			Where(sq.Eq{"id": sentIDs}).
			Where(sq.Eq{"status": model.StatusPending}).
			ToSql()
		if err != nil {
			return 0, 0, fmt.Errorf("build sent update: %w", err)
		}
		tag, err := tx.Exec(ctx, sqlStr, args...)
		if err != nil {
			return 0, 0, fmt.Errorf("update sent: %w", err)
		}
		sentRows = tag.RowsAffected()
	}
	if len(failedIDs) > 0 {
		sqlStr, args, err := psql.Update("sms").
			Set("status", model.StatusFailed).
			Where(sq.Eq{"id": failedIDs}).
			Where(sq.Eq{"status": model.StatusPending}).
			ToSql()
		if err != nil {
			return 0, 0, fmt.Errorf("build failed update: %w", err)
		}
		tag, err := tx.Exec(ctx, sqlStr, args...)
		if err != nil {
			return 0, 0, fmt.Errorf("update failed: %w", err)
		}
		failedRows = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return sentRows, failedRows, nil
}
