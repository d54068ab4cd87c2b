package transfer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"portal-ledger/internal/audit"
	"portal-ledger/internal/domain"
)

// IDs are the identifiers a transfer will create. Generated before the
// database transaction so a retry after contention gets fresh ones.
type IDs struct {
	Transfer uuid.UUID
	Debit    uuid.UUID
	Credit   uuid.UUID
	Audit    uuid.UUID
}

func NewIDs() IDs {
	return IDs{
		Transfer: uuid.New(),
		Debit:    uuid.New(),
		Credit:   uuid.New(),
		Audit:    uuid.New(),
	}
}

// Plan is the full set of effects of one transfer. A ledger backend applies
// all of it or none of it.
type Plan struct {
	From   domain.Account
	To     domain.Account
	Debit  domain.LedgerEntry
	Credit domain.LedgerEntry
	Audit  domain.AuditRecord
}

func (p Plan) Result() Result {
	return Result{
		TransferID:    p.Debit.TransferID,
		DebitEntryID:  p.Debit.ID,
		CreditEntryID: p.Credit.ID,
		AuditID:       p.Audit.ID,
		Currency:      p.From.Currency,
		CreatedAt:     p.Audit.CreatedAt,
	}
}

// AuditDetails is the details payload of a transfer.completed audit record.
type AuditDetails struct {
	TransferID       string `json:"transfer_id"`
	FromAccountID    string `json:"from_account_id"`
	ToAccountID      string `json:"to_account_id"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	CategoryID       string `json:"category_id,omitempty"`
	Description      string `json:"description,omitempty"`
	DebitEntryID     string `json:"debit_entry_id"`
	CreditEntryID    string `json:"credit_entry_id"`
	FromBalanceAfter string `json:"from_balance_after"`
	ToBalanceAfter   string `json:"to_balance_after"`
}

// BuildPlan checks req against the locked snapshots of both accounts and
// computes the new balances, the debit/credit pair and the audit record.
// req must already be normalized. category is the looked-up category when
// req.CategoryID is set, nil otherwise or when it does not exist.
//
// Authorization is checked before funds so a caller cannot learn the
// balance of an account it does not own.
func BuildPlan(
	req Request,
	from, to domain.Account,
	category *domain.Category,
	auth Authorizer,
	ids IDs,
	now time.Time,
) (Plan, error) {
	if from.ID != req.FromAccountID || to.ID != req.ToAccountID {
		return Plan{}, fmt.Errorf("plan: account snapshots do not match request")
	}
	if err := auth.Authorize(req.ActingUserID, from); err != nil {
		return Plan{}, err
	}
	if err := auth.Authorize(req.ActingUserID, to); err != nil {
		return Plan{}, err
	}
	if from.Currency != to.Currency {
		return Plan{}, fmt.Errorf("%w: currency mismatch %s/%s", ErrValidation, from.Currency, to.Currency)
	}
	if req.CategoryID != nil {
		if category == nil || category.ID != *req.CategoryID {
			return Plan{}, Missing(auth, req.ActingUserID, "category", *req.CategoryID)
		}
		if category.UserID != from.UserID {
			return Plan{}, fmt.Errorf("%w: category %s", ErrUnauthorized, category.ID)
		}
	}
	if from.Balance.LessThan(req.Amount) {
		return Plan{}, fmt.Errorf("%w: account %s", ErrInsufficientFunds, from.ID)
	}
	if err := CheckAmount(to.Balance.Add(req.Amount), "destination balance"); err != nil {
		return Plan{}, err
	}

	// timestamptz keeps microseconds.
	now = now.UTC().Truncate(time.Microsecond)

	from.Balance = from.Balance.Sub(req.Amount)
	from.Version++
	from.UpdatedAt = now
	to.Balance = to.Balance.Add(req.Amount)
	to.Version++
	to.UpdatedAt = now

	debit := domain.LedgerEntry{
		ID:          ids.Debit,
		TransferID:  ids.Transfer,
		AccountID:   from.ID,
		CategoryID:  req.CategoryID,
		Amount:      req.Amount.Neg(),
		Type:        domain.EntryDebit,
		Description: req.Description,
		CreatedAt:   now,
	}
	credit := domain.LedgerEntry{
		ID:          ids.Credit,
		TransferID:  ids.Transfer,
		AccountID:   to.ID,
		CategoryID:  req.CategoryID,
		Amount:      req.Amount,
		Type:        domain.EntryCredit,
		Description: req.Description,
		CreatedAt:   now,
	}

	details := AuditDetails{
		TransferID:       ids.Transfer.String(),
		FromAccountID:    from.ID.String(),
		ToAccountID:      to.ID.String(),
		Amount:           req.Amount.String(),
		Currency:         from.Currency,
		Description:      req.Description,
		DebitEntryID:     ids.Debit.String(),
		CreditEntryID:    ids.Credit.String(),
		FromBalanceAfter: from.Balance.String(),
		ToBalanceAfter:   to.Balance.String(),
	}
	if req.CategoryID != nil {
		details.CategoryID = req.CategoryID.String()
	}
	canon, err := audit.Canonicalize(details)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: audit details: %w", err)
	}

	return Plan{
		From:   from,
		To:     to,
		Debit:  debit,
		Credit: credit,
		Audit: domain.AuditRecord{
			ID:               ids.Audit,
			UserID:           req.ActingUserID,
			Action:           domain.ActionTransferCompleted,
			Details:          canon.JSON,
			DetailsCanonical: canon.Canonical,
			DetailsDigest:    canon.Digest,
			CreatedAt:        now,
		},
	}, nil
}
