package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrConflict: the row already exists (account id collision).
	ErrConflict = errors.New("already exists")
	// ErrNotFound: the targeted row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance: the conditional debit matched zero rows.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrKeyGenExhausted: api_key generation collided repeatedly. With
	// 256-bit keys this effectively never happens.
	ErrKeyGenExhausted = errors.New("failed to generate unique API key")
)

// psql builds parameterized statements with $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// DB is the subset of pgxpool.Pool the store uses. Tests substitute a mock
// pool to exercise the SQL paths without a live Postgres.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres access layer for accounts, messages and the outbox.
type Store struct {
	pool DB
}

func New(pool DB) *Store {
	return &Store{pool: pool}
}

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// isUniqueViolation reports whether err is a unique-constraint violation,
// optionally narrowed to a constraint whose name contains the given fragment.
func isUniqueViolation(err error, constraintFragment string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	if constraintFragment == "" {
		return true
	}
	return strings.Contains(pgErr.ConstraintName, constraintFragment)
}
