package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")

// Store is the storage handle threaded through the services. A Store handed
// to an ExecTx callback is bound to that transaction; every sub-store taken
// from it participates in the same commit.
type Store interface {
	Accounts() AccountStore
	Ledger() Ledger
	Idempotency() IdempotencyStore
	Users() UserStore
	ExecTx(ctx context.Context, fn func(Store) error) error
}

// AccountStore guarantees atomic mutation of a single account's numeric
// fields. It knows nothing about transfers.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListAccountsForUser(ctx context.Context, userID string) ([]domain.Account, error)
	// LockAccounts reads the given accounts and holds a row lock on each
	// until the surrounding transaction ends. Locks are taken in ascending
	// id order regardless of argument order.
	LockAccounts(ctx context.Context, ids ...string) (map[string]*domain.Account, error)
	AdjustBalances(ctx context.Context, id string, balanceDelta, availableDelta decimal.Decimal) (*domain.Account, error)
	CreateAccount(ctx context.Context, account *domain.Account) error
	UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) (*domain.Account, error)
}

// Ledger records intents and outcomes. It never computes balances.
type Ledger interface {
	CreatePending(ctx context.Context, intent domain.TransferIntent) (*domain.Transaction, error)
	Finalize(ctx context.Context, id string, status domain.TransactionStatus, reason string) (*domain.Transaction, error)
	GetByID(ctx context.Context, id string) (*domain.Transaction, error)
	ListForAccount(ctx context.Context, accountID string, page, pageSize int) (*domain.Page, error)
	ListForUser(ctx context.Context, userID string, page, pageSize int) (*domain.Page, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
}

type IdempotencyStore interface {
	// Reserve inserts the key. The insert is the concurrency gate: a second
	// caller with the same key gets ErrDuplicateRequest.
	Reserve(ctx context.Context, key, requestHash, transactionID string) error
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	Complete(ctx context.Context, key string, outcome domain.TransactionStatus, reason string, body []byte) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	// FindByPhone returns every user registered under an E.164 number,
	// oldest first. It returns an empty slice, not an error, on no match.
	FindByPhone(ctx context.Context, e164 string) ([]domain.User, error)
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NormalizePage clamps paging input to sane values and returns the row offset.
func NormalizePage(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize, (page - 1) * pageSize
}

// NewReference builds the external reconciliation reference for a ledger row.
func NewReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	return fmt.Sprintf("TRF-%s-%s", now.UTC().Format("20060102"), suffix)
}

// NewAccountNumber returns a ten digit account number. Uniqueness is enforced
// by the storage layer.
func NewAccountNumber() string {
	return fmt.Sprintf("%010d", rand.Int64N(9_000_000_000)+1_000_000_000)
}

func prepareAccount(a *domain.Account, now time.Time) error {
	if a.UserID == "" {
		return domain.NewValidationError("userId", "is required")
	}
	if a.Currency == "" {
		return domain.NewValidationError("currency", "is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AccountNumber == "" {
		a.AccountNumber = NewAccountNumber()
	}
	if a.Type == "" {
		a.Type = domain.AccountPersonal
	}
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	if a.Balance.IsNegative() || a.AvailableBalance.IsNegative() || a.AvailableBalance.GreaterThan(a.Balance) {
		return domain.NewValidationError("balance", "must satisfy 0 <= availableBalance <= balance")
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

func prepareUser(u *domain.User, now time.Time) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = now
}
