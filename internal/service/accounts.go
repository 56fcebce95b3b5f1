package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/evault/ledgerops/internal/store"
	"github.com/go-playground/validator/v10"
)

const (
	DirectionSent     = "SENT"
	DirectionReceived = "RECEIVED"
)

// HistoryEntry is a ledger row seen from one user's side.
type HistoryEntry struct {
	domain.Transaction
	Direction string
}

type HistoryPage struct {
	Entries  []HistoryEntry
	Total    int
	Page     int
	PageSize int
}

func (p *HistoryPage) TotalPages() int {
	if p.PageSize == 0 {
		return 0
	}
	return (p.Total + p.PageSize - 1) / p.PageSize
}

// AccountService serves the read side and the administrative writes that do
// not move money.
type AccountService struct {
	store      store.Store
	currencies map[string]bool
	region     string
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewAccountService stores phone numbers in E.164, reading numbers without a
// country code in region.
func NewAccountService(s store.Store, currencies []string, region string, logger *slog.Logger) *AccountService {
	supported := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		supported[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return &AccountService{
		store:      s,
		currencies: supported,
		region:     region,
		validate:   validator.New(),
		logger:     logger,
	}
}

func (s *AccountService) CreateUser(ctx context.Context, user *domain.User) error {
	user.Email = strings.TrimSpace(user.Email)
	if err := s.validate.Var(user.Email, "required,email"); err != nil {
		return domain.NewValidationError("email", "must be a valid email address")
	}
	if strings.TrimSpace(user.PhoneNumber) != "" {
		e164, err := domain.NormalizePhone(user.PhoneNumber, s.region)
		if err != nil {
			return domain.NewValidationError("phoneNumber", "must be a valid phone number")
		}
		user.PhoneNumber = e164
	}
	if err := s.store.Users().CreateUser(ctx, user); err != nil {
		return err
	}
	s.logger.Info("user created", "user_id", user.ID)
	return nil
}

// OpenAccount creates an account with zero balances.
func (s *AccountService) OpenAccount(ctx context.Context, userID, currency string, accountType domain.AccountType) (*domain.Account, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !s.currencies[currency] {
		return nil, domain.NewValidationError("currency", fmt.Sprintf("%q is not supported", currency))
	}
	if accountType == "" {
		accountType = domain.AccountPersonal
	}
	if !accountType.Valid() {
		return nil, domain.NewValidationError("accountType", fmt.Sprintf("%q is not a known account type", accountType))
	}
	account := &domain.Account{
		UserID:   strings.TrimSpace(userID),
		Currency: currency,
		Type:     accountType,
	}
	if err := s.store.Accounts().CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	s.logger.Info("account opened", "account_id", account.ID, "user_id", account.UserID, "currency", currency)
	return account, nil
}

func (s *AccountService) ListAccounts(ctx context.Context, userID string) ([]domain.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewValidationError("userId", "is required")
	}
	return s.store.Accounts().ListAccountsForUser(ctx, userID)
}

func (s *AccountService) SetStatus(ctx context.Context, accountID string, status domain.AccountStatus) (*domain.Account, error) {
	if !status.Valid() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("%q is not a known account status", status))
	}
	account, err := s.store.Accounts().UpdateStatus(ctx, accountID, status)
	if err != nil {
		return nil, err
	}
	s.logger.Info("account status changed", "account_id", accountID, "status", status)
	return account, nil
}

func (s *AccountService) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.store.Ledger().GetByID(ctx, id)
}

// UserHistory lists every ledger row touching one of the user's accounts,
// newest first, tagged relative to that user.
func (s *AccountService) UserHistory(ctx context.Context, userID string, page, pageSize int) (*HistoryPage, error) {
	accounts, err := s.store.Accounts().ListAccountsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		owned[a.ID] = true
	}

	rows, err := s.store.Ledger().ListForUser(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return tagPage(rows, owned), nil
}

func (s *AccountService) AccountHistory(ctx context.Context, accountID string, page, pageSize int) (*HistoryPage, error) {
	if _, err := s.store.Accounts().GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.store.Ledger().ListForAccount(ctx, accountID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return tagPage(rows, map[string]bool{accountID: true}), nil
}

func tagPage(rows *domain.Page, owned map[string]bool) *HistoryPage {
	out := &HistoryPage{
		Entries:  make([]HistoryEntry, 0, len(rows.Items)),
		Total:    rows.Total,
		Page:     rows.Page,
		PageSize: rows.PageSize,
	}
	for _, t := range rows.Items {
		direction := DirectionReceived
		if owned[t.SenderAccountID] {
			direction = DirectionSent
		}
		out.Entries = append(out.Entries, HistoryEntry{Transaction: t, Direction: direction})
	}
	return out
}
