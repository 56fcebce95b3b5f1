package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/evault/ledgerops/internal/store"
)

// Resolution is a recipient found by phone or email together with every
// account the user owns.
type Resolution struct {
	User     domain.User
	Accounts []domain.Account
}

// PreferredAccount picks the first active account in currency, falling back
// to the first active account of any currency.
func (r *Resolution) PreferredAccount(currency string) (*domain.Account, error) {
	var fallback *domain.Account
	for i := range r.Accounts {
		a := &r.Accounts[i]
		if !a.IsActive() {
			continue
		}
		if a.Currency == currency {
			return a, nil
		}
		if fallback == nil {
			fallback = a
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: recipient %s has no active account", domain.ErrAccountInactive, r.User.ID)
}

type Resolver struct {
	store  store.Store
	region string
	logger *slog.Logger
}

// NewResolver reads phone numbers without a country code in region.
func NewResolver(s store.Store, region string, logger *slog.Logger) *Resolver {
	return &Resolver{store: s, region: region, logger: logger}
}

// Resolve finds the user behind an email address or a phone number. A phone
// number must identify exactly one user.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*Resolution, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, domain.NewValidationError("identifier", "must be non-empty")
	}

	var user *domain.User
	var err error
	if strings.ContainsRune(identifier, '@') {
		user, err = r.store.Users().FindByEmail(ctx, identifier)
	} else {
		user, err = r.findByPhone(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			r.logger.Info("recipient lookup found no user")
			return nil, domain.ErrRecipientNotFound
		}
		return nil, err
	}

	accounts, err := r.store.Accounts().ListAccountsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: user %s", domain.ErrRecipientHasNoAccount, user.ID)
	}

	r.logger.Debug("recipient resolved", "user_id", user.ID, "accounts", len(accounts))
	return &Resolution{User: *user, Accounts: accounts}, nil
}

func (r *Resolver) findByPhone(ctx context.Context, raw string) (*domain.User, error) {
	e164, err := domain.NormalizePhone(raw, r.region)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is neither an email nor a phone number", domain.ErrRecipientNotFound, raw)
	}
	users, err := r.store.Users().FindByPhone(ctx, e164)
	if err != nil {
		return nil, err
	}
	switch len(users) {
	case 0:
		return nil, domain.ErrUserNotFound
	case 1:
		return &users[0], nil
	}
	r.logger.Warn("phone number shared by several users, refusing to pick one", "matches", len(users))
	return nil, fmt.Errorf("%w: phone number is ambiguous", domain.ErrRecipientNotFound)
}
