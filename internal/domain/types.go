package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountChecking AccountType = "checking"
	AccountSavings  AccountType = "savings"
	AccountCredit   AccountType = "credit"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountChecking, AccountSavings, AccountCredit:
		return true
	}
	return false
}

type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// Audit actions.
const (
	ActionTransferCompleted = "transfer.completed"
	ActionAccountOpened     = "account.opened"
	ActionCategoryCreated   = "category.created"
)

type Account struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Type      AccountType
	Label     string
	Balance   decimal.Decimal
	Currency  string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Category struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	CreatedAt time.Time
}

// LedgerEntry is one side of a transfer. Amount is signed: negative for
// debits, positive for credits.
type LedgerEntry struct {
	ID          uuid.UUID
	TransferID  uuid.UUID
	AccountID   uuid.UUID
	CategoryID  *uuid.UUID
	Amount      decimal.Decimal
	Type        EntryType
	Description string
	CreatedAt   time.Time
}

type AuditRecord struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Action           string
	Details          json.RawMessage
	DetailsCanonical string
	DetailsDigest    string
	CreatedAt        time.Time
}

// =========================
// HTTP shapes
// =========================

type CreateAccountRequest struct {
	Type           AccountType     `json:"type"`
	Label          string          `json:"label"`
	Currency       string          `json:"currency"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type AccountResponse struct {
	AccountID uuid.UUID       `json:"account_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Type      AccountType     `json:"type"`
	Label     string          `json:"label"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
}

type BalanceResponse struct {
	AccountID uuid.UUID       `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
}

type CreateCategoryRequest struct {
	Name string `json:"name"`
}

type CategoryResponse struct {
	CategoryID uuid.UUID `json:"category_id"`
	Name       string    `json:"name"`
}

type PostTransferRequest struct {
	FromAccountID uuid.UUID       `json:"from_account_id"`
	ToAccountID   uuid.UUID       `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	CategoryID    *uuid.UUID      `json:"category_id,omitempty"`
	Description   string          `json:"description,omitempty"`
}

type PostTransferResponse struct {
	DebitTransactionID  uuid.UUID `json:"debit_transaction_id"`
	CreditTransactionID uuid.UUID `json:"credit_transaction_id"`
	AuditID             uuid.UUID `json:"audit_id"`
	CreatedAt           time.Time `json:"created_at"`
}
