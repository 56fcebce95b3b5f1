package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pool *pgxpool.Pool
	db   DBTX
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return NewPostgresStoreFromPool(pool), nil
}

func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Accounts() AccountStore        { return &pgAccounts{db: s.db} }
func (s *PostgresStore) Ledger() Ledger                { return &pgLedger{db: s.db} }
func (s *PostgresStore) Idempotency() IdempotencyStore { return &pgIdempotency{db: s.db} }
func (s *PostgresStore) Users() UserStore              { return &pgUsers{db: s.db} }

// ExecTx runs fn inside a READ COMMITTED transaction. Serializability on a
// single account comes from the explicit row locks taken by LockAccounts, not
// from the isolation level. Nested calls reuse the outer transaction.
func (s *PostgresStore) ExecTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.db.(pgx.Tx); inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.NewStorageError("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{pool: s.pool, db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.NewStorageError("commit", err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

// translate turns driver errors into domain errors. Unique violations become
// ErrDuplicateRequest; anything else is an opaque storage failure.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err, "") {
		return fmt.Errorf("%s: %w", op, domain.ErrDuplicateRequest)
	}
	return domain.NewStorageError(op, err)
}
