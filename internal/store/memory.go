package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type memState struct {
	accounts     map[string]domain.Account
	users        map[string]domain.User
	transactions map[string]domain.Transaction
	idempotency  map[string]domain.IdempotencyRecord
	accountNums  map[string]string
	txByKey      map[string]string
	references   map[string]string
	seq          map[string]int64
	nextSeq      int64
}

func newMemState() *memState {
	return &memState{
		accounts:     map[string]domain.Account{},
		users:        map[string]domain.User{},
		transactions: map[string]domain.Transaction{},
		idempotency:  map[string]domain.IdempotencyRecord{},
		accountNums:  map[string]string{},
		txByKey:      map[string]string{},
		references:   map[string]string{},
		seq:          map[string]int64{},
	}
}

// clone copies every table. Values are stored by value, so a shallow copy of
// each map is enough except for transaction metadata, which is never mutated
// after insert.
func (m *memState) clone() *memState {
	c := &memState{
		accounts:     make(map[string]domain.Account, len(m.accounts)),
		users:        make(map[string]domain.User, len(m.users)),
		transactions: make(map[string]domain.Transaction, len(m.transactions)),
		idempotency:  make(map[string]domain.IdempotencyRecord, len(m.idempotency)),
		accountNums:  make(map[string]string, len(m.accountNums)),
		txByKey:      make(map[string]string, len(m.txByKey)),
		references:   make(map[string]string, len(m.references)),
		seq:          make(map[string]int64, len(m.seq)),
		nextSeq:      m.nextSeq,
	}
	for k, v := range m.accounts {
		c.accounts[k] = v
	}
	for k, v := range m.users {
		c.users[k] = v
	}
	for k, v := range m.transactions {
		c.transactions[k] = v
	}
	for k, v := range m.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range m.accountNums {
		c.accountNums[k] = v
	}
	for k, v := range m.txByKey {
		c.txByKey[k] = v
	}
	for k, v := range m.references {
		c.references[k] = v
	}
	for k, v := range m.seq {
		c.seq[k] = v
	}
	return c
}

type memDB struct {
	mu    sync.Mutex
	state *memState
}

// MemoryStore is an in-process Store. ExecTx serializes all transactions
// behind one mutex and works on a private copy of the state that replaces
// the shared state only when the callback succeeds.
type MemoryStore struct {
	db  *memDB
	tx  *memState
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		db:  &memDB{state: newMemState()},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Used by tests that age ledger rows.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *MemoryStore) view(fn func(st *memState) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return fn(s.db.state)
}

func (s *MemoryStore) ExecTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return domain.NewStorageError("begin", err)
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	working := s.db.state.clone()
	if err := fn(&MemoryStore{db: s.db, tx: working, now: s.now}); err != nil {
		return err
	}
	s.db.state = working
	return nil
}

func (s *MemoryStore) Accounts() AccountStore        { return memAccounts{s} }
func (s *MemoryStore) Ledger() Ledger                { return memLedger{s} }
func (s *MemoryStore) Idempotency() IdempotencyStore { return memIdempotency{s} }
func (s *MemoryStore) Users() UserStore              { return memUsers{s} }

type memAccounts struct{ s *MemoryStore }

func (m memAccounts) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var out *domain.Account
	err := m.s.view(func(st *memState) error {
		a, ok := st.accounts[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		out = &a
		return nil
	})
	return out, err
}

func (m memAccounts) ListAccountsForUser(ctx context.Context, userID string) ([]domain.Account, error) {
	out := []domain.Account{}
	err := m.s.view(func(st *memState) error {
		for _, a := range st.accounts {
			if a.UserID == userID {
				out = append(out, a)
			}
		}
		sort.Slice(out, func(i, j int) bool { return st.seq[out[i].ID] < st.seq[out[j].ID] })
		return nil
	})
	return out, err
}

// LockAccounts is a plain read here: inside ExecTx the whole store is
// already held exclusively.
func (m memAccounts) LockAccounts(ctx context.Context, ids ...string) (map[string]*domain.Account, error) {
	locked := map[string]*domain.Account{}
	err := m.s.view(func(st *memState) error {
		for _, id := range uniqueSorted(ids) {
			a, ok := st.accounts[id]
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
			}
			locked[id] = &a
		}
		return nil
	})
	return locked, err
}

func (m memAccounts) AdjustBalances(ctx context.Context, id string, balanceDelta, availableDelta decimal.Decimal) (*domain.Account, error) {
	var out *domain.Account
	err := m.s.view(func(st *memState) error {
		a, ok := st.accounts[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		if !a.IsActive() {
			return fmt.Errorf("%w: %s is %s", domain.ErrAccountInactive, id, a.Status)
		}
		balance := a.Balance.Add(balanceDelta)
		available := a.AvailableBalance.Add(availableDelta)
		if balance.IsNegative() || available.IsNegative() {
			return fmt.Errorf("%w: account %s", domain.ErrInsufficientFunds, id)
		}
		if available.GreaterThan(balance) {
			return domain.NewStorageError("adjust balances", fmt.Errorf("available balance would exceed balance on %s", id))
		}
		a.Balance = balance
		a.AvailableBalance = available
		a.Version++
		a.UpdatedAt = m.s.now()
		st.accounts[id] = a
		out = &a
		return nil
	})
	return out, err
}

func (m memAccounts) CreateAccount(ctx context.Context, account *domain.Account) error {
	if err := prepareAccount(account, m.s.now()); err != nil {
		return err
	}
	return m.s.view(func(st *memState) error {
		if _, ok := st.users[account.UserID]; !ok {
			return fmt.Errorf("%s: %w", account.UserID, domain.ErrUserNotFound)
		}
		if _, ok := st.accounts[account.ID]; ok {
			return fmt.Errorf("create account: %w", domain.ErrDuplicateRequest)
		}
		if _, ok := st.accountNums[account.AccountNumber]; ok {
			return fmt.Errorf("create account: %w", domain.ErrDuplicateRequest)
		}
		st.nextSeq++
		st.seq[account.ID] = st.nextSeq
		st.accounts[account.ID] = *account
		st.accountNums[account.AccountNumber] = account.ID
		return nil
	})
}

func (m memAccounts) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) (*domain.Account, error) {
	var out *domain.Account
	err := m.s.view(func(st *memState) error {
		a, ok := st.accounts[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		if a.Status == domain.AccountClosed {
			return fmt.Errorf("%w: account %s is closed", domain.ErrInvalidTransition, id)
		}
		a.Status = status
		a.Version++
		a.UpdatedAt = m.s.now()
		st.accounts[id] = a
		out = &a
		return nil
	})
	return out, err
}

type memLedger struct{ s *MemoryStore }

func (m memLedger) CreatePending(ctx context.Context, intent domain.TransferIntent) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := m.s.view(func(st *memState) error {
		if _, ok := st.txByKey[intent.IdempotencyKey]; ok {
			return fmt.Errorf("create pending transaction: %w", domain.ErrDuplicateRequest)
		}
		now := m.s.now()
		ref := NewReference(now)
		for st.references[ref] != "" {
			ref = NewReference(now)
		}
		t := domain.Transaction{
			ID:                 uuid.NewString(),
			IdempotencyKey:     intent.IdempotencyKey,
			Reference:          ref,
			SenderAccountID:    intent.SenderAccountID,
			RecipientAccountID: intent.RecipientAccountID,
			Amount:             intent.Amount,
			Currency:           intent.Currency,
			Category:           intent.Category,
			Description:        intent.Description,
			Status:             domain.StatusPending,
			Metadata:           copyMetadata(intent.Metadata),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		st.nextSeq++
		st.seq[t.ID] = st.nextSeq
		st.transactions[t.ID] = t
		st.txByKey[t.IdempotencyKey] = t.ID
		st.references[t.Reference] = t.ID
		out = &t
		return nil
	})
	return out, err
}

func (m memLedger) Finalize(ctx context.Context, id string, status domain.TransactionStatus, reason string) (*domain.Transaction, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %s is not a terminal status", domain.ErrInvalidTransition, status)
	}
	var out *domain.Transaction
	err := m.s.view(func(st *memState) error {
		t, ok := st.transactions[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
		}
		if t.Status != domain.StatusPending {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.Status, status)
		}
		now := m.s.now()
		t.Status = status
		t.FailureReason = reason
		t.UpdatedAt = now
		if status == domain.StatusCompleted {
			t.CompletedAt = &now
		}
		st.transactions[id] = t
		out = &t
		return nil
	})
	return out, err
}

func (m memLedger) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := m.s.view(func(st *memState) error {
		t, ok := st.transactions[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
		}
		out = &t
		return nil
	})
	return out, err
}

func (m memLedger) list(page, pageSize int, match func(st *memState, t domain.Transaction) bool) (*domain.Page, error) {
	page, pageSize, offset := NormalizePage(page, pageSize)
	result := &domain.Page{Items: []domain.Transaction{}, Page: page, PageSize: pageSize}
	err := m.s.view(func(st *memState) error {
		var all []domain.Transaction
		for _, t := range st.transactions {
			if match(st, t) {
				all = append(all, t)
			}
		}
		// Newest first; the insert sequence breaks timestamp ties.
		sort.Slice(all, func(i, j int) bool { return st.seq[all[i].ID] > st.seq[all[j].ID] })
		result.Total = len(all)
		if offset < len(all) {
			end := offset + pageSize
			if end > len(all) {
				end = len(all)
			}
			result.Items = append(result.Items, all[offset:end]...)
		}
		return nil
	})
	return result, err
}

func (m memLedger) ListForAccount(ctx context.Context, accountID string, page, pageSize int) (*domain.Page, error) {
	return m.list(page, pageSize, func(_ *memState, t domain.Transaction) bool {
		return t.SenderAccountID == accountID || t.RecipientAccountID == accountID
	})
}

func (m memLedger) ListForUser(ctx context.Context, userID string, page, pageSize int) (*domain.Page, error) {
	return m.list(page, pageSize, func(st *memState, t domain.Transaction) bool {
		return st.accounts[t.SenderAccountID].UserID == userID || st.accounts[t.RecipientAccountID].UserID == userID
	})
}

func (m memLedger) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	out := []domain.Transaction{}
	err := m.s.view(func(st *memState) error {
		for _, t := range st.transactions {
			if t.Status == domain.StatusPending && t.CreatedAt.Before(olderThan) {
				out = append(out, t)
			}
		}
		sort.Slice(out, func(i, j int) bool { return st.seq[out[i].ID] < st.seq[out[j].ID] })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

type memIdempotency struct{ s *MemoryStore }

func (m memIdempotency) Reserve(ctx context.Context, key, requestHash, transactionID string) error {
	return m.s.view(func(st *memState) error {
		if _, ok := st.idempotency[key]; ok {
			return fmt.Errorf("reserve idempotency key: %w", domain.ErrDuplicateRequest)
		}
		st.idempotency[key] = domain.IdempotencyRecord{
			Key:           key,
			RequestHash:   requestHash,
			TransactionID: transactionID,
			CreatedAt:     m.s.now(),
		}
		return nil
	})
}

func (m memIdempotency) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var out *domain.IdempotencyRecord
	err := m.s.view(func(st *memState) error {
		rec, ok := st.idempotency[key]
		if !ok {
			return ErrIdempotencyKeyNotFound
		}
		out = &rec
		return nil
	})
	return out, err
}

func (m memIdempotency) Complete(ctx context.Context, key string, outcome domain.TransactionStatus, reason string, body []byte) error {
	return m.s.view(func(st *memState) error {
		rec, ok := st.idempotency[key]
		if !ok || rec.Resolved() {
			return fmt.Errorf("%w: idempotency key %s already resolved or missing", domain.ErrInvalidTransition, key)
		}
		now := m.s.now()
		rec.Outcome = outcome
		rec.FailureReason = reason
		if body != nil {
			rec.ResponseBody = append([]byte(nil), body...)
		}
		rec.CompletedAt = &now
		st.idempotency[key] = rec
		return nil
	})
}

func (m memIdempotency) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := m.s.view(func(st *memState) error {
		for key, rec := range st.idempotency {
			if rec.Resolved() && rec.CreatedAt.Before(cutoff) {
				delete(st.idempotency, key)
				n++
			}
		}
		return nil
	})
	return n, err
}

type memUsers struct{ s *MemoryStore }

func (m memUsers) CreateUser(ctx context.Context, user *domain.User) error {
	prepareUser(user, m.s.now())
	return m.s.view(func(st *memState) error {
		for _, u := range st.users {
			if u.ID == user.ID || u.Email == user.Email {
				return fmt.Errorf("create user: %w", domain.ErrDuplicateRequest)
			}
		}
		st.nextSeq++
		st.seq[user.ID] = st.nextSeq
		st.users[user.ID] = *user
		return nil
	})
}

func (m memUsers) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var out *domain.User
	err := m.s.view(func(st *memState) error {
		u, ok := st.users[id]
		if !ok {
			return fmt.Errorf("%s: %w", id, domain.ErrUserNotFound)
		}
		out = &u
		return nil
	})
	return out, err
}

func (m memUsers) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	matches, err := m.match(func(u domain.User) bool { return u.Email == email })
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, domain.ErrUserNotFound
	}
	return &matches[0], nil
}

func (m memUsers) FindByPhone(ctx context.Context, e164 string) ([]domain.User, error) {
	return m.match(func(u domain.User) bool { return u.PhoneNumber == e164 })
}

// match returns the accepted users in creation order.
func (m memUsers) match(accept func(domain.User) bool) ([]domain.User, error) {
	out := []domain.User{}
	err := m.s.view(func(st *memState) error {
		for _, u := range st.users {
			if accept(u) {
				out = append(out, u)
			}
		}
		sort.Slice(out, func(i, j int) bool { return st.seq[out[i].ID] < st.seq[out[j].ID] })
		return nil
	})
	return out, err
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
