package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/evault/ledgerops/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCurrencies = []string{"USD", "EUR", "NGN"}

const testRegion = "GH"

type harness struct {
	store      *store.MemoryStore
	transfers  *TransferService
	accounts   *AccountService
	resolver   *Resolver
	guard      *IdempotencyGuard
	reconciler *Reconciler
	events     *recordingPublisher
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, store.NewMemoryStore(), nil, 2*time.Second)
}

// newHarnessWithStore lets a test wrap the memory store used by the engine
// while keeping direct access to the unwrapped one for assertions.
func newHarnessWithStore(t *testing.T, mem *store.MemoryStore, wrap func(store.Store) store.Store, wait time.Duration) *harness {
	t.Helper()
	var s store.Store = mem
	if wrap != nil {
		s = wrap(mem)
	}
	logger := discardLogger()
	events := &recordingPublisher{}
	guard := NewIdempotencyGuard(s, wait, 5*time.Millisecond, logger)
	resolver := NewResolver(s, testRegion, logger)
	return &harness{
		store:     mem,
		transfers: NewTransferService(s, guard, resolver, events, testCurrencies, logger),
		accounts:  NewAccountService(s, testCurrencies, testRegion, logger),
		resolver:  resolver,
		guard:     guard,
		reconciler: NewReconciler(mem, ReconcilerConfig{
			PendingTimeout: 5 * time.Minute,
			BatchSize:      10,
			KeyRetention:   24 * time.Hour,
		}, events, logger),
		events: events,
	}
}

func (h *harness) account(t *testing.T, balance, currency string) *domain.Account {
	t.Helper()
	user := &domain.User{Email: uuid.NewString() + "@example.com"}
	require.NoError(t, h.store.Users().CreateUser(context.Background(), user))
	return h.accountFor(t, user.ID, balance, currency)
}

func (h *harness) accountFor(t *testing.T, userID, balance, currency string) *domain.Account {
	t.Helper()
	amount := decimal.RequireFromString(balance)
	a := &domain.Account{UserID: userID, Currency: currency, Balance: amount, AvailableBalance: amount}
	require.NoError(t, h.store.Accounts().CreateAccount(context.Background(), a))
	return a
}

func (h *harness) balance(t *testing.T, id string) string {
	t.Helper()
	a, err := h.store.Accounts().GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance.StringFixed(2)
}

func (h *harness) pendingCount(t *testing.T) int {
	t.Helper()
	rows, err := h.store.Ledger().ListStalePending(context.Background(), time.Now().Add(time.Hour), 1000)
	require.NoError(t, err)
	return len(rows)
}

func transferCmd(from, to *domain.Account, amount string) domain.TransferCommand {
	return domain.TransferCommand{
		SenderAccountID:    from.ID,
		RecipientAccountID: to.ID,
		Amount:             decimal.RequireFromString(amount),
		Currency:           from.Currency,
		IdempotencyKey:     uuid.NewString(),
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.TransferEvent
}

func (p *recordingPublisher) PublishTransferEvent(_ context.Context, event domain.TransferEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// faultyStore injects failures into the tx-bound stores handed to ExecTx
// callbacks.
type faultyStore struct {
	store.Store
	failCredit    bool
	suspendOnLock string
	// beforeTx runs outside any transaction, ahead of each ExecTx.
	beforeTx func()
}

func (f *faultyStore) Accounts() store.AccountStore {
	return faultyAccounts{AccountStore: f.Store.Accounts(), f: f}
}

func (f *faultyStore) ExecTx(ctx context.Context, fn func(store.Store) error) error {
	if f.beforeTx != nil {
		f.beforeTx()
	}
	return f.Store.ExecTx(ctx, func(tx store.Store) error {
		return fn(&faultyStore{Store: tx, failCredit: f.failCredit, suspendOnLock: f.suspendOnLock})
	})
}

type faultyAccounts struct {
	store.AccountStore
	f *faultyStore
}

func (a faultyAccounts) LockAccounts(ctx context.Context, ids ...string) (map[string]*domain.Account, error) {
	locked, err := a.AccountStore.LockAccounts(ctx, ids...)
	if err != nil {
		return nil, err
	}
	if acc, ok := locked[a.f.suspendOnLock]; ok {
		acc.Status = domain.AccountSuspended
	}
	return locked, nil
}

func (a faultyAccounts) AdjustBalances(ctx context.Context, id string, balanceDelta, availableDelta decimal.Decimal) (*domain.Account, error) {
	if a.f.failCredit && balanceDelta.IsPositive() {
		return nil, domain.NewStorageError("adjust balances", errors.New("connection reset by peer"))
	}
	return a.AccountStore.AdjustBalances(ctx, id, balanceDelta, availableDelta)
}

func TestTransferMovesFundsAndRejectsOverdraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "1000", "USD")
	b := h.account(t, "500", "USD")

	result, err := h.transfers.Transfer(ctx, transferCmd(a, b, "200"))
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, "800.00", result.SenderAccount.NewBalance.StringFixed(2))
	assert.Equal(t, "700.00", result.RecipientAccount.NewBalance.StringFixed(2))
	assert.Regexp(t, `^TRF-\d{8}-[0-9A-F]{12}$`, result.Reference)

	row, err := h.store.Ledger().GetByID(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, row.Status)
	assert.NotNil(t, row.CompletedAt)

	_, err = h.transfers.Transfer(ctx, transferCmd(a, b, "2000"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Equal(t, "800.00", h.balance(t, a.ID))
	assert.Equal(t, "700.00", h.balance(t, b.ID))
	assert.Zero(t, h.pendingCount(t))

	require.Len(t, h.events.events, 1)
	assert.Equal(t, domain.StatusCompleted, h.events.events[0].Status)
}

func TestTransferToSelfIsRejectedWithoutWrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "100", "USD")

	_, err := h.transfers.Transfer(ctx, transferCmd(a, a, "10"))
	require.ErrorIs(t, err, domain.ErrValidation)

	page, err := h.store.Ledger().ListForAccount(ctx, a.ID, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Equal(t, "100.00", h.balance(t, a.ID))
}

func TestTransferValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	usd := h.account(t, "100", "USD")
	other := h.account(t, "100", "USD")
	eur := h.account(t, "100", "EUR")

	tests := []struct {
		name   string
		mutate func(cmd *domain.TransferCommand)
		want   error
	}{
		{"zero amount", func(c *domain.TransferCommand) { c.Amount = decimal.Zero }, domain.ErrValidation},
		{"negative amount", func(c *domain.TransferCommand) { c.Amount = decimal.NewFromInt(-5) }, domain.ErrValidation},
		{"too many decimals", func(c *domain.TransferCommand) { c.Amount = decimal.RequireFromString("1.005") }, domain.ErrValidation},
		{"unsupported currency", func(c *domain.TransferCommand) { c.Currency = "JPY" }, domain.ErrValidation},
		{"missing key", func(c *domain.TransferCommand) { c.IdempotencyKey = "" }, domain.ErrValidation},
		{"unknown category", func(c *domain.TransferCommand) { c.Category = "GAMBLING" }, domain.ErrValidation},
		{"unknown sender", func(c *domain.TransferCommand) { c.SenderAccountID = uuid.NewString() }, domain.ErrAccountNotFound},
		{"unknown recipient", func(c *domain.TransferCommand) { c.RecipientAccountID = uuid.NewString() }, domain.ErrAccountNotFound},
		{"currency mismatch", func(c *domain.TransferCommand) { c.RecipientAccountID = eur.ID }, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := transferCmd(usd, other, "10")
			tt.mutate(&cmd)
			_, err := h.transfers.Transfer(ctx, cmd)
			require.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, "100.00", h.balance(t, usd.ID))
	assert.Zero(t, h.pendingCount(t))
}

func TestTransferAmountBounds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "100", "USD")
	b := h.account(t, "0", "USD")

	for _, amount := range []string{"1e50000000", "1e-50000000", "10000000000000000", "12345678901234567890.5"} {
		t.Run(amount, func(t *testing.T) {
			start := time.Now()
			_, err := h.transfers.Transfer(ctx, transferCmd(a, b, amount))
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.Less(t, len(err.Error()), 200)
			assert.Less(t, time.Since(start), 2*time.Second)
		})
	}

	_, err := h.transfers.Transfer(ctx, transferCmd(a, b, "9999999999999999.99"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, "100.00", h.balance(t, a.ID))
}

func TestTransferFromInactiveAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "100", "USD")
	b := h.account(t, "100", "USD")
	_, err := h.accounts.SetStatus(ctx, b.ID, domain.AccountSuspended)
	require.NoError(t, err)

	_, err = h.transfers.Transfer(ctx, transferCmd(a, b, "10"))
	require.ErrorIs(t, err, domain.ErrAccountInactive)
	assert.Equal(t, "100.00", h.balance(t, a.ID))
}

func TestRepeatedKeyReplaysFirstResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "1000", "USD")
	b := h.account(t, "500", "USD")
	cmd := transferCmd(a, b, "200")

	first, err := h.transfers.Transfer(ctx, cmd)
	require.NoError(t, err)
	second, err := h.transfers.Transfer(ctx, cmd)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.Reference, second.Reference)
	assert.True(t, first.SenderAccount.NewBalance.Equal(second.SenderAccount.NewBalance))
	assert.Equal(t, "800.00", h.balance(t, a.ID))
	assert.Equal(t, "700.00", h.balance(t, b.ID))

	page, err := h.store.Ledger().ListForAccount(ctx, a.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestRepeatedKeyWithDifferentParameters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "1000", "USD")
	b := h.account(t, "500", "USD")
	cmd := transferCmd(a, b, "200")

	_, err := h.transfers.Transfer(ctx, cmd)
	require.NoError(t, err)

	cmd.Amount = decimal.NewFromInt(300)
	_, err = h.transfers.Transfer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
	assert.Equal(t, "800.00", h.balance(t, a.ID))
}

func TestRepeatedKeyAfterBusinessFailureReturnsSameFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "100", "USD")
	b := h.account(t, "0", "USD")
	wrapped := newHarnessWithStore(t, h.store, func(s store.Store) store.Store {
		return &faultyStore{Store: s, suspendOnLock: b.ID}
	}, time.Second)

	cmd := transferCmd(a, b, "50")
	_, err := wrapped.transfers.Transfer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrAccountInactive)

	page, err := h.store.Ledger().ListForAccount(ctx, a.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.StatusFailed, page.Items[0].Status)
	assert.Equal(t, domain.ReasonAccountInactive, page.Items[0].FailureReason)
	assert.Equal(t, "100.00", h.balance(t, a.ID))
	assert.Equal(t, "0.00", h.balance(t, b.ID))

	// Same key on the healthy path does not run the transfer again.
	_, err = h.transfers.Transfer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrAccountInactive)
	assert.Equal(t, "100.00", h.balance(t, a.ID))
}

func TestRowFinalizedDuringApplyRollsBackTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "100", "USD")
	b := h.account(t, "0", "USD")

	var once sync.Once
	var cancelledID string
	wrapped := newHarnessWithStore(t, h.store, func(s store.Store) store.Store {
		return &faultyStore{Store: s, beforeTx: func() {
			pending, err := h.store.Ledger().ListStalePending(ctx, time.Now().Add(time.Hour), 10)
			require.NoError(t, err)
			if len(pending) == 0 {
				return
			}
			once.Do(func() {
				cancelled, err := h.transfers.Cancel(ctx, pending[0].ID, "")
				require.NoError(t, err)
				cancelledID = cancelled.ID
			})
		}}
	}, time.Second)

	cmd := transferCmd(a, b, "40")
	_, err := wrapped.transfers.Transfer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	require.NotEmpty(t, cancelledID)

	row, err := h.store.Ledger().GetByID(ctx, cancelledID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, row.Status)
	assert.Equal(t, domain.ReasonCancelledByOperator, row.FailureReason)
	assert.Equal(t, "100.00", h.balance(t, a.ID))
	assert.Equal(t, "0.00", h.balance(t, b.ID))
	assert.Zero(t, h.pendingCount(t))

	_, err = h.transfers.Transfer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, "100.00", h.balance(t, a.ID))
}

func TestConcurrentDebitsOnlyOneSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "100", "USD")
	b := h.account(t, "0", "USD")
	c := h.account(t, "0", "USD")

	errs := make(chan error, 2)
	for _, to := range []*domain.Account{b, c} {
		go func(to *domain.Account) {
			_, err := h.transfers.Transfer(ctx, transferCmd(a, to, "80"))
			errs <- err
		}(to)
	}

	var succeeded, rejected int
	for range 2 {
		err := <-errs
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientFunds):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, "20.00", h.balance(t, a.ID))
	assert.Zero(t, h.pendingCount(t))
}

func TestConcurrentRequestsWithSameKeyApplyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "1000", "USD")
	b := h.account(t, "0", "USD")
	cmd := transferCmd(a, b, "100")

	const workers = 8
	type outcome struct {
		result *domain.TransferResult
		err    error
	}
	out := make(chan outcome, workers)
	for range workers {
		go func() {
			r, err := h.transfers.Transfer(ctx, cmd)
			out <- outcome{r, err}
		}()
	}

	ids := map[string]bool{}
	for range workers {
		o := <-out
		require.NoError(t, o.err)
		ids[o.result.TransactionID] = true
	}
	assert.Len(t, ids, 1)
	assert.Equal(t, "900.00", h.balance(t, a.ID))
	assert.Equal(t, "100.00", h.balance(t, b.ID))
}

func TestTransfersConserveTotalBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accounts := []*domain.Account{
		h.account(t, "250", "USD"),
		h.account(t, "100", "USD"),
		h.account(t, "75.50", "USD"),
		h.account(t, "0", "USD"),
	}

	done := make(chan struct{})
	for w := range 4 {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := range 25 {
				from := accounts[(w+i)%len(accounts)]
				to := accounts[(w+i+1)%len(accounts)]
				_, _ = h.transfers.Transfer(ctx, transferCmd(from, to, "12.25"))
			}
		}(w)
	}
	for range 4 {
		<-done
	}

	total := decimal.Zero
	for _, acc := range accounts {
		a, err := h.store.Accounts().GetAccount(ctx, acc.ID)
		require.NoError(t, err)
		assert.False(t, a.Balance.IsNegative())
		assert.True(t, a.AvailableBalance.LessThanOrEqual(a.Balance))
		total = total.Add(a.Balance)
	}
	assert.Equal(t, "425.50", total.StringFixed(2))
	assert.Zero(t, h.pendingCount(t))
}

func TestStorageFailureLeavesPendingForReconciler(t *testing.T) {
	mem := store.NewMemoryStore()
	h := newHarnessWithStore(t, mem, func(s store.Store) store.Store {
		return &faultyStore{Store: s, failCredit: true}
	}, 20*time.Millisecond)
	ctx := context.Background()
	a := h.account(t, "100", "USD")
	b := h.account(t, "0", "USD")
	cmd := transferCmd(a, b, "40")

	_, err := h.transfers.Transfer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrStorageFailure)
	assert.Equal(t, "100.00", h.balance(t, a.ID))
	assert.Equal(t, "0.00", h.balance(t, b.ID))
	assert.Equal(t, 1, h.pendingCount(t))

	// The retry waits briefly for the original and reports it as in flight.
	_, err = h.transfers.Transfer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrRequestInProgress)

	h.reconciler.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	res, err := h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, h.pendingCount(t))

	_, err = h.transfers.Transfer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, "100.00", h.balance(t, a.ID))
}

func TestTerminalStatusIsStable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "100", "USD")
	b := h.account(t, "0", "USD")

	result, err := h.transfers.Transfer(ctx, transferCmd(a, b, "10"))
	require.NoError(t, err)

	_, err = h.transfers.Cancel(ctx, result.TransactionID, "operator request")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	h.reconciler.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err := h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Failed)

	row, err := h.store.Ledger().GetByID(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, row.Status)
}

func TestCancelPendingTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "100", "USD")
	b := h.account(t, "0", "USD")
	cmd := normalizeCommand(transferCmd(a, b, "10"))

	res, err := h.guard.CheckAndReserve(ctx, RequestHash(cmd), domain.TransferIntent{
		IdempotencyKey:     cmd.IdempotencyKey,
		SenderAccountID:    a.ID,
		RecipientAccountID: b.ID,
		Amount:             cmd.Amount,
		Currency:           "USD",
		Category:           domain.CategoryTransfer,
	})
	require.NoError(t, err)
	require.True(t, res.IsNew)

	cancelled, err := h.transfers.Cancel(ctx, res.Transaction.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	_, err = h.transfers.Transfer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, "100.00", h.balance(t, a.ID))
}

func TestTransferToRecipientIdentifier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "100", "USD")

	recipient := &domain.User{Email: "ama@example.com", PhoneNumber: "+233 24 123 4567"}
	require.NoError(t, h.accounts.CreateUser(ctx, recipient))
	h.accountFor(t, recipient.ID, "0", "EUR")
	usd := h.accountFor(t, recipient.ID, "0", "USD")

	cmd := transferCmd(a, a, "25")
	cmd.RecipientAccountID = ""
	cmd.RecipientIdentifier = "0241234567"

	result, err := h.transfers.Transfer(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, usd.ID, result.RecipientAccount.ID)
	assert.Equal(t, "25.00", h.balance(t, usd.ID))
}

func TestResolver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	withAccounts := &domain.User{Email: "kofi@example.com", PhoneNumber: "0551234567"}
	require.NoError(t, h.accounts.CreateUser(ctx, withAccounts))
	suspended := h.accountFor(t, withAccounts.ID, "0", "USD")
	_, err := h.accounts.SetStatus(ctx, suspended.ID, domain.AccountSuspended)
	require.NoError(t, err)
	ngn := h.accountFor(t, withAccounts.ID, "0", "NGN")

	empty := &domain.User{Email: "empty@example.com"}
	require.NoError(t, h.accounts.CreateUser(ctx, empty))

	t.Run("by phone", func(t *testing.T) {
		res, err := h.resolver.Resolve(ctx, "+233 55 123 4567")
		require.NoError(t, err)
		assert.Equal(t, withAccounts.ID, res.User.ID)
		assert.Len(t, res.Accounts, 2)

		preferred, err := res.PreferredAccount("USD")
		require.NoError(t, err)
		assert.Equal(t, ngn.ID, preferred.ID)
	})

	t.Run("by email", func(t *testing.T) {
		res, err := h.resolver.Resolve(ctx, "kofi@example.com")
		require.NoError(t, err)
		assert.Equal(t, withAccounts.ID, res.User.ID)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := h.resolver.Resolve(ctx, "nobody@example.com")
		require.ErrorIs(t, err, domain.ErrRecipientNotFound)
	})

	t.Run("no accounts", func(t *testing.T) {
		_, err := h.resolver.Resolve(ctx, "empty@example.com")
		require.ErrorIs(t, err, domain.ErrRecipientHasNoAccount)
	})

	t.Run("blank", func(t *testing.T) {
		_, err := h.resolver.Resolve(ctx, "  ")
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestResolverPhoneNumbersFromDifferentCountries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	us := &domain.User{Email: "us@example.com", PhoneNumber: "+1 724 123 4567"}
	gh := &domain.User{Email: "gh@example.com", PhoneNumber: "+233 24 123 4567"}
	require.NoError(t, h.accounts.CreateUser(ctx, us))
	require.NoError(t, h.accounts.CreateUser(ctx, gh))
	assert.Equal(t, "+17241234567", us.PhoneNumber)
	assert.Equal(t, "+233241234567", gh.PhoneNumber)
	h.accountFor(t, us.ID, "0", "USD")
	h.accountFor(t, gh.ID, "0", "USD")

	res, err := h.resolver.Resolve(ctx, "024 123 4567")
	require.NoError(t, err)
	assert.Equal(t, gh.ID, res.User.ID)

	res, err = h.resolver.Resolve(ctx, "+1 (724) 123-4567")
	require.NoError(t, err)
	assert.Equal(t, us.ID, res.User.ID)

	// The shared subscriber digits alone identify nobody.
	_, err = h.resolver.Resolve(ctx, "123 4567")
	require.ErrorIs(t, err, domain.ErrRecipientNotFound)
}

func TestResolverRefusesSharedPhoneNumber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sender := h.account(t, "100", "USD")

	for _, email := range []string{"first@example.com", "second@example.com"} {
		u := &domain.User{Email: email, PhoneNumber: "0201234567"}
		require.NoError(t, h.accounts.CreateUser(ctx, u))
		h.accountFor(t, u.ID, "0", "USD")
	}

	_, err := h.resolver.Resolve(ctx, "+233 20 123 4567")
	require.ErrorIs(t, err, domain.ErrRecipientNotFound)

	cmd := transferCmd(sender, sender, "10")
	cmd.RecipientAccountID = ""
	cmd.RecipientIdentifier = "0201234567"
	_, err = h.transfers.Transfer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrRecipientNotFound)
	assert.Equal(t, "100.00", h.balance(t, sender.ID))
	assert.Zero(t, h.pendingCount(t))
}

func TestCreateUserValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.accounts.CreateUser(ctx, &domain.User{Email: "not-an-email"})
	require.ErrorIs(t, err, domain.ErrValidation)

	err = h.accounts.CreateUser(ctx, &domain.User{Email: "ok@example.com", PhoneNumber: "12"})
	require.ErrorIs(t, err, domain.ErrValidation)

	u := &domain.User{Email: "ok@example.com", PhoneNumber: "055 123 4567"}
	require.NoError(t, h.accounts.CreateUser(ctx, u))
	assert.Equal(t, "+233551234567", u.PhoneNumber)
}

func TestReconcilerSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "100", "USD")
	b := h.account(t, "0", "USD")

	reserve := func() *domain.Transaction {
		cmd := normalizeCommand(transferCmd(a, b, "10"))
		res, err := h.guard.CheckAndReserve(ctx, RequestHash(cmd), domain.TransferIntent{
			IdempotencyKey:     cmd.IdempotencyKey,
			SenderAccountID:    a.ID,
			RecipientAccountID: b.ID,
			Amount:             cmd.Amount,
			Currency:           "USD",
			Category:           domain.CategoryTransfer,
		})
		require.NoError(t, err)
		return res.Transaction
	}

	base := time.Now().UTC()
	h.store.SetClock(func() time.Time { return base.Add(-time.Hour) })
	stale := reserve()
	h.store.SetClock(func() time.Time { return base })
	fresh := reserve()

	h.reconciler.now = func() time.Time { return base }
	res, err := h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	row, err := h.store.Ledger().GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, row.Status)
	assert.Equal(t, domain.ReasonReconciliationTimeout, row.FailureReason)

	rec, err := h.store.Idempotency().Get(ctx, stale.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Outcome)

	row, err = h.store.Ledger().GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, row.Status)
	assert.Equal(t, "100.00", h.balance(t, a.ID))

	// Resolved keys past the retention window are purged; in-flight ones stay.
	h.reconciler.now = func() time.Time { return base.Add(48 * time.Hour) }
	res, err = h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Purged)
	_, err = h.store.Idempotency().Get(ctx, stale.IdempotencyKey)
	require.ErrorIs(t, err, store.ErrIdempotencyKeyNotFound)
}

func TestUserHistoryTagsDirection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.account(t, "100", "USD")
	b := h.account(t, "100", "USD")

	_, err := h.transfers.Transfer(ctx, transferCmd(a, b, "10"))
	require.NoError(t, err)
	_, err = h.transfers.Transfer(ctx, transferCmd(b, a, "5"))
	require.NoError(t, err)

	page, err := h.accounts.UserHistory(ctx, a.UserID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, DirectionReceived, page.Entries[0].Direction)
	assert.Equal(t, DirectionSent, page.Entries[1].Direction)
	assert.Equal(t, 1, page.TotalPages())
}

func TestRequestHashIgnoresAmountFormatting(t *testing.T) {
	base := domain.TransferCommand{
		SenderAccountID:    "a",
		RecipientAccountID: "b",
		Amount:             decimal.RequireFromString("100"),
		Currency:           "USD",
		Category:           domain.CategoryTransfer,
	}
	same := base
	same.Amount = decimal.RequireFromString("100.00")
	assert.Equal(t, RequestHash(base), RequestHash(same))

	different := base
	different.Amount = decimal.RequireFromString("100.01")
	assert.NotEqual(t, RequestHash(base), RequestHash(different))
}
