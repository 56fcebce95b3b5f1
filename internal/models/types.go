// Package models holds the HTTP wire types.
package models

import (
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/shopspring/decimal"
)

// TransferRequest is the payload of POST /payments/transfer. The recipient is
// given either as an account id or as a phone number / email.
type TransferRequest struct {
	SenderAccountID     string            `json:"senderAccountId" validate:"required,max=64"`
	RecipientAccountID  string            `json:"recipientAccountId,omitempty" validate:"required_without=RecipientIdentifier,max=64"`
	RecipientIdentifier string            `json:"recipientIdentifier,omitempty" validate:"max=255"`
	Amount              decimal.Decimal   `json:"amount"`
	Currency            string            `json:"currency" validate:"required,len=3,alpha"`
	Description         string            `json:"description,omitempty" validate:"max=255"`
	Category            string            `json:"category,omitempty" validate:"omitempty,oneof=TRANSFER FOOD TRANSPORT SHOPPING ENTERTAINMENT UTILITIES OTHER"`
	IdempotencyKey      string            `json:"idempotencyKey,omitempty" validate:"max=255"`
	Metadata            map[string]string `json:"metadata,omitempty" validate:"max=32,dive,keys,min=1,max=64,endkeys,max=512"`
}

func (r TransferRequest) Command() domain.TransferCommand {
	return domain.TransferCommand{
		SenderAccountID:     r.SenderAccountID,
		RecipientAccountID:  r.RecipientAccountID,
		RecipientIdentifier: r.RecipientIdentifier,
		Amount:              r.Amount,
		Currency:            r.Currency,
		Category:            domain.Category(r.Category),
		Description:         r.Description,
		IdempotencyKey:      r.IdempotencyKey,
		Metadata:            r.Metadata,
	}
}

type LookupAccount struct {
	ID            string             `json:"id"`
	AccountNumber string             `json:"accountNumber"`
	AccountType   domain.AccountType `json:"accountType"`
	Currency      string             `json:"currency"`
}

// LookupResponse exposes only what a sender needs to pick a recipient.
type LookupResponse struct {
	UserID      string          `json:"userId"`
	FirstName   string          `json:"firstName"`
	LastName    string          `json:"lastName"`
	PhoneNumber string          `json:"phoneNumber,omitempty"`
	Email       string          `json:"email"`
	Accounts    []LookupAccount `json:"accounts"`
}

type AccountView struct {
	ID               string               `json:"id"`
	AccountNumber    string               `json:"accountNumber"`
	UserID           string               `json:"userId"`
	Balance          decimal.Decimal      `json:"balance"`
	AvailableBalance decimal.Decimal      `json:"availableBalance"`
	Currency         string               `json:"currency"`
	AccountType      domain.AccountType   `json:"accountType"`
	Status           domain.AccountStatus `json:"status"`
	CreatedAt        time.Time            `json:"createdAt"`
}

func NewAccountView(a domain.Account) AccountView {
	return AccountView{
		ID:               a.ID,
		AccountNumber:    a.AccountNumber,
		UserID:           a.UserID,
		Balance:          a.Balance,
		AvailableBalance: a.AvailableBalance,
		Currency:         a.Currency,
		AccountType:      a.Type,
		Status:           a.Status,
		CreatedAt:        a.CreatedAt,
	}
}

type HistoryItem struct {
	ID                    string                   `json:"id"`
	Type                  string                   `json:"type"`
	Amount                decimal.Decimal          `json:"amount"`
	Currency              string                   `json:"currency"`
	Category              domain.Category          `json:"category"`
	Description           string                   `json:"description"`
	Status                domain.TransactionStatus `json:"status"`
	FailureReason         string                   `json:"failureReason,omitempty"`
	Reference             string                   `json:"reference"`
	CounterpartyAccountID string                   `json:"counterpartyAccountId"`
	CreatedAt             time.Time                `json:"createdAt"`
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type HistoryResponse struct {
	Transactions []HistoryItem `json:"transactions"`
	Pagination   Pagination    `json:"pagination"`
}

type CreateUserRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	PhoneNumber string `json:"phoneNumber" validate:"omitempty,max=32"`
	FirstName   string `json:"firstName" validate:"max=100"`
	LastName    string `json:"lastName" validate:"max=100"`
}

type CreateAccountRequest struct {
	UserID      string `json:"userId" validate:"required,max=64"`
	Currency    string `json:"currency" validate:"required,len=3,alpha"`
	AccountType string `json:"accountType" validate:"omitempty,alpha,max=16"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,alpha"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}
