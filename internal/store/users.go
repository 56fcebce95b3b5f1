package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/jackc/pgx/v5"
)

const userColumns = "id, email, phone_number, first_name, last_name, created_at"

type pgUsers struct {
	db DBTX
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PhoneNumber, &u.FirstName, &u.LastName, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *pgUsers) userOrNotFound(row pgx.Row, op string) (*domain.User, error) {
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, translate(op, err)
	}
	return u, nil
}

func (s *pgUsers) CreateUser(ctx context.Context, user *domain.User) error {
	prepareUser(user, time.Now().UTC())
	_, err := s.db.Exec(ctx,
		"INSERT INTO users ("+userColumns+") VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.Email, user.PhoneNumber, user.FirstName, user.LastName, user.CreatedAt)
	return translate("create user", err)
}

func (s *pgUsers) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.userOrNotFound(s.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id), "get user")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return u, nil
}

func (s *pgUsers) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.userOrNotFound(s.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email), "find user by email")
}

func (s *pgUsers) FindByPhone(ctx context.Context, e164 string) ([]domain.User, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+userColumns+" FROM users WHERE phone_number = $1 ORDER BY created_at, id", e164)
	if err != nil {
		return nil, translate("find user by phone", err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.User, error) {
		u, err := scanUser(row)
		if err != nil {
			return domain.User{}, err
		}
		return *u, nil
	})
	if err != nil {
		return nil, translate("find user by phone", err)
	}
	return users, nil
}
