// Package events holds the messages published after a ledger change has
// been committed. Sinks live in the kafka and redispub subpackages.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const TypeTransferCompleted = "transfer.completed"

type TransferCompleted struct {
	EventType     string          `json:"event_type"`
	TransferID    string          `json:"transfer_id"`
	DebitEntryID  string          `json:"debit_entry_id"`
	CreditEntryID string          `json:"credit_entry_id"`
	AuditID       string          `json:"audit_id"`
	UserID        string          `json:"user_id"`
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CategoryID    string          `json:"category_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Key partitions events by source account so one account's events stay
// ordered on the broker.
func (e TransferCompleted) Key() string { return e.FromAccountID }

type Publisher interface {
	PublishTransferCompleted(ctx context.Context, ev TransferCompleted) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishTransferCompleted(context.Context, TransferCompleted) error { return nil }
func (Nop) Close() error                                                      { return nil }
