package transfer

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portal-ledger/internal/audit"
)

const (
	// MaxAmountScale and MaxIntegerDigits match the NUMERIC(19,4) balance
	// columns.
	MaxAmountScale       = 4
	MaxIntegerDigits     = 15
	MaxDescriptionLen    = 255
	MaxIdempotencyKeyLen = 128

	maxCoefficientBits = 128
)

// Request asks to move Amount from FromAccountID to ToAccountID on behalf of
// ActingUserID.
type Request struct {
	FromAccountID  uuid.UUID
	ToAccountID    uuid.UUID
	Amount         decimal.Decimal
	CategoryID     *uuid.UUID
	Description    string
	ActingUserID   uuid.UUID
	IdempotencyKey string
}

// Result identifies what a committed transfer created.
type Result struct {
	TransferID    uuid.UUID `json:"transfer_id"`
	DebitEntryID  uuid.UUID `json:"debit_entry_id"`
	CreditEntryID uuid.UUID `json:"credit_entry_id"`
	AuditID       uuid.UUID `json:"audit_id"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"created_at"`
	// Replayed is set when the result was served from an earlier request
	// with the same idempotency key.
	Replayed bool `json:"-"`
}

// Normalize validates r and returns it with trimmed text fields.
func (r Request) Normalize() (Request, error) {
	if r.ActingUserID == uuid.Nil {
		return Request{}, fmt.Errorf("%w: acting user is required", ErrValidation)
	}
	if r.FromAccountID == uuid.Nil || r.ToAccountID == uuid.Nil {
		return Request{}, fmt.Errorf("%w: both accounts are required", ErrValidation)
	}
	if r.FromAccountID == r.ToAccountID {
		return Request{}, fmt.Errorf("%w: source and destination are the same account", ErrValidation)
	}
	if !r.Amount.IsPositive() {
		return Request{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if err := CheckAmount(r.Amount, "amount"); err != nil {
		return Request{}, err
	}

	r.Description = strings.TrimSpace(r.Description)
	if utf8.RuneCountInString(r.Description) > MaxDescriptionLen {
		return Request{}, fmt.Errorf("%w: description longer than %d characters", ErrValidation, MaxDescriptionLen)
	}
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	if len(r.IdempotencyKey) > MaxIdempotencyKeyLen {
		return Request{}, fmt.Errorf("%w: idempotency key longer than %d bytes", ErrValidation, MaxIdempotencyKeyLen)
	}
	if r.CategoryID != nil && *r.CategoryID == uuid.Nil {
		r.CategoryID = nil
	}
	return r, nil
}

// CheckAmount rejects values that do not fit NUMERIC(19,4). Digit bounds
// are checked before rounding, which would expand a huge exponent.
func CheckAmount(d decimal.Decimal, what string) error {
	if d.IsZero() {
		return nil
	}
	// NUMERIC(19,4) needs at most 63 bits of coefficient; anything far
	// wider is rejected before digit counting.
	if d.Coefficient().BitLen() > maxCoefficientBits {
		return fmt.Errorf("%w: %s has too many digits", ErrValidation, what)
	}
	exp := int64(d.Exponent())
	digits := int64(d.NumDigits())
	if digits+exp > MaxIntegerDigits {
		return fmt.Errorf("%w: %s exceeds %d integer digits", ErrValidation, what, MaxIntegerDigits)
	}
	// A nonzero value with more fractional places than digits cannot be
	// trailing zeros only.
	if -exp-MaxAmountScale > digits {
		return fmt.Errorf("%w: %s has more than %d fractional digits", ErrValidation, what, MaxAmountScale)
	}
	if !d.Equal(d.Round(MaxAmountScale)) {
		return fmt.Errorf("%w: %s has more than %d fractional digits", ErrValidation, what, MaxAmountScale)
	}
	return nil
}

// IdempotencyScope is the stored idempotency key. Keys are per acting user,
// so one user's key never collides with another's.
func (r Request) IdempotencyScope() string {
	return r.ActingUserID.String() + ":" + r.IdempotencyKey
}

// idemShape is the deterministic request shape hashed for idempotency.
// No floats, stable field order.
type idemShape struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        string `json:"amount"`
	CategoryID    string `json:"category_id"`
	Description   string `json:"description"`
	ActingUserID  string `json:"acting_user_id"`
	Key           string `json:"idempotency_key"`
}

// Hash returns the SHA-256 of the JCS-canonical request shape. Two requests
// carrying the same idempotency key must hash equal to be a replay.
func (r Request) Hash() (string, error) {
	shape := idemShape{
		FromAccountID: r.FromAccountID.String(),
		ToAccountID:   r.ToAccountID.String(),
		Amount:        r.Amount.String(),
		Description:   r.Description,
		ActingUserID:  r.ActingUserID.String(),
		Key:           r.IdempotencyKey,
	}
	if r.CategoryID != nil {
		shape.CategoryID = r.CategoryID.String()
	}
	c, err := audit.Canonicalize(shape)
	if err != nil {
		return "", err
	}
	return c.Digest, nil
}
