package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/evault/ledgerops/internal/config"
	"github.com/evault/ledgerops/internal/domain"
	"github.com/evault/ledgerops/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	TotalAccounts  = 1000
	InitialBalance = 100 // whole currency units
)

func main() {
	out := flag.String("out", "seeded_accounts.txt", "file receiving the seeded account IDs, one per line")
	currency := flag.String("currency", "USD", "currency of the seeded accounts")
	flag.Parse()

	if err := run(*out, *currency); err != nil {
		slog.Error("seeding failed", "error", err)
		os.Exit(1)
	}
}

func run(out, currency string) error {
	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := cfg.Logger().With("component", "seeder")

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DBSource)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := store.NewPostgresStoreFromPool(pool).Migrate(ctx); err != nil {
		return err
	}

	logger.Info("seeding database", "accounts", TotalAccounts, "currency", currency)

	// 1. Check existing
	var count int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM accounts WHERE currency = $1", currency).Scan(&count); err != nil {
		return fmt.Errorf("count accounts: %w", err)
	}
	if count >= TotalAccounts {
		logger.Info("database already seeded, exporting existing accounts", "accounts", count)
		return exportAccounts(ctx, pool, currency, out, logger)
	}

	// 2. Generate one user per account
	now := time.Now().UTC()
	batch := now.Unix()
	users := make([][]any, 0, TotalAccounts)
	accounts := make([][]any, 0, TotalAccounts)
	for i := 0; i < TotalAccounts; i++ {
		userID := uuid.NewString()
		users = append(users, []any{
			userID,
			fmt.Sprintf("seed-%d-%04d@ledgerops.local", batch, i),
			fmt.Sprintf("+1555%07d", i), // stored in E.164
			"Seed",
			fmt.Sprintf("User%04d", i),
			now,
		})
		accounts = append(accounts, []any{
			uuid.NewString(),
			fmt.Sprintf("%010d%04d", batch%10_000_000_000, i),
			userID,
			int64(InitialBalance),
			int64(InitialBalance),
			currency,
			string(domain.AccountPersonal),
			string(domain.AccountActive),
			now,
			now,
		})
	}

	// 3. Bulk insert using CopyFrom inside one transaction
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"users"},
		[]string{"id", "email", "phone_number", "first_name", "last_name", "created_at"},
		pgx.CopyFromRows(users),
	); err != nil {
		return fmt.Errorf("bulk insert users: %w", err)
	}

	copyCount, err := tx.CopyFrom(ctx,
		pgx.Identifier{"accounts"},
		[]string{"id", "account_number", "user_id", "balance", "available_balance", "currency", "account_type", "status", "created_at", "updated_at"},
		pgx.CopyFromRows(accounts),
	)
	if err != nil {
		return fmt.Errorf("bulk insert accounts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logger.Info("seeded accounts", "count", copyCount)

	return exportAccounts(ctx, pool, currency, out, logger)
}

// exportAccounts writes the active account IDs of one currency to path for
// the benchmark to pick from.
func exportAccounts(ctx context.Context, pool *pgxpool.Pool, currency, path string, logger *slog.Logger) error {
	rows, err := pool.Query(ctx,
		"SELECT id FROM accounts WHERE currency = $1 AND status = $2 ORDER BY created_at, id",
		currency, string(domain.AccountActive))
	if err != nil {
		return err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	logger.Info("exported account IDs", "count", len(ids), "path", path)
	return nil
}
