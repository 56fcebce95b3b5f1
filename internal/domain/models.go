package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
	AccountClosed    AccountStatus = "CLOSED"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountSuspended, AccountClosed:
		return true
	}
	return false
}

type AccountType string

const (
	AccountPersonal AccountType = "PERSONAL"
	AccountBusiness AccountType = "BUSINESS"
)

func (t AccountType) Valid() bool {
	return t == AccountPersonal || t == AccountBusiness
}

// Account holds the spendable state of one ledger account.
// AvailableBalance never exceeds Balance and neither goes below zero.
type Account struct {
	ID               string          `json:"id"`
	AccountNumber    string          `json:"accountNumber"`
	UserID           string          `json:"userId"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	Currency         string          `json:"currency"`
	Type             AccountType     `json:"accountType"`
	Status           AccountStatus   `json:"status"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

func (a *Account) IsActive() bool {
	return a.Status == AccountActive
}

// User is the owner of one or more accounts. Only the fields needed for
// recipient resolution are kept here.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	PhoneNumber string    `json:"phoneNumber"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	CreatedAt   time.Time `json:"createdAt"`
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
	StatusRefunded  TransactionStatus = "REFUNDED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

type Category string

const (
	CategoryTransfer      Category = "TRANSFER"
	CategoryFood          Category = "FOOD"
	CategoryTransport     Category = "TRANSPORT"
	CategoryShopping      Category = "SHOPPING"
	CategoryEntertainment Category = "ENTERTAINMENT"
	CategoryUtilities     Category = "UTILITIES"
	CategoryOther         Category = "OTHER"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryTransfer, CategoryFood, CategoryTransport, CategoryShopping,
		CategoryEntertainment, CategoryUtilities, CategoryOther:
		return true
	}
	return false
}

// Failure reasons recorded on FAILED ledger rows.
const (
	ReasonInsufficientFunds     = "INSUFFICIENT_FUNDS"
	ReasonAccountInactive       = "ACCOUNT_INACTIVE"
	ReasonCurrencyMismatch      = "CURRENCY_MISMATCH"
	ReasonReconciliationTimeout = "RECONCILIATION_TIMEOUT"
	ReasonCancelledByOperator   = "CANCELLED_BY_OPERATOR"
)

// Transaction is one ledger entry: the record of an attempted fund movement
// and its outcome.
type Transaction struct {
	ID                 string            `json:"id"`
	IdempotencyKey     string            `json:"idempotencyKey"`
	Reference          string            `json:"reference"`
	SenderAccountID    string            `json:"senderAccountId"`
	RecipientAccountID string            `json:"recipientAccountId"`
	Amount             decimal.Decimal   `json:"amount"`
	Currency           string            `json:"currency"`
	Category           Category          `json:"category"`
	Description        string            `json:"description"`
	Status             TransactionStatus `json:"status"`
	FailureReason      string            `json:"failureReason,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// TransferIntent is what the engine hands to the ledger when it records an
// attempt. All fields are already validated.
type TransferIntent struct {
	IdempotencyKey     string
	SenderAccountID    string
	RecipientAccountID string
	Amount             decimal.Decimal
	Currency           string
	Category           Category
	Description        string
	Metadata           map[string]string
}

// TransferCommand is the engine input. RecipientIdentifier is used only when
// RecipientAccountID is empty.
type TransferCommand struct {
	SenderAccountID     string
	RecipientAccountID  string
	RecipientIdentifier string
	Amount              decimal.Decimal
	Currency            string
	Category            Category
	Description         string
	IdempotencyKey      string
	Metadata            map[string]string
}

type PartyBalance struct {
	ID            string          `json:"id"`
	AccountNumber string          `json:"accountNumber"`
	NewBalance    decimal.Decimal `json:"newBalance"`
}

// TransferResult is returned for a completed transfer and replayed verbatim
// for a repeated idempotency key.
type TransferResult struct {
	TransactionID    string          `json:"transactionId"`
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	SenderAccount    PartyBalance    `json:"senderAccount"`
	RecipientAccount PartyBalance    `json:"recipientAccount"`
	Timestamp        time.Time       `json:"timestamp"`
	Replayed         bool            `json:"-"`
}

// IdempotencyRecord maps a caller key to the single transaction it produced.
// Outcome and ResponseBody are empty while the transfer is in flight.
type IdempotencyRecord struct {
	Key           string            `json:"key"`
	RequestHash   string            `json:"requestHash"`
	TransactionID string            `json:"transactionId"`
	Outcome       TransactionStatus `json:"outcome,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	ResponseBody  json.RawMessage   `json:"responseBody,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

func (r *IdempotencyRecord) Resolved() bool {
	return r.Outcome != ""
}

// Page is a slice of ledger rows plus the total row count for the query.
type Page struct {
	Items    []Transaction
	Total    int
	Page     int
	PageSize int
}
