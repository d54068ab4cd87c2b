package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portal-ledger/internal/audit"
	"portal-ledger/internal/domain"
)

const MaxLabelLen = 64

// OpenAccount asks to create an account for UserID. OpeningBalance is the
// only way funds enter an account in this service.
type OpenAccount struct {
	UserID         uuid.UUID
	Type           domain.AccountType
	Label          string
	Currency       string
	OpeningBalance decimal.Decimal
}

func NormalizeCurrency(cur string) (string, error) {
	cur = strings.ToUpper(strings.TrimSpace(cur))
	if len(cur) != 3 {
		return "", fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	}
	for _, c := range cur {
		if c < 'A' || c > 'Z' {
			return "", fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
		}
	}
	return cur, nil
}

// PlanOpenAccount validates in and returns the account row and its
// account.opened audit record.
func PlanOpenAccount(in OpenAccount, id, auditID uuid.UUID, now time.Time) (domain.Account, domain.AuditRecord, error) {
	if in.UserID == uuid.Nil {
		return domain.Account{}, domain.AuditRecord{}, fmt.Errorf("%w: user is required", ErrValidation)
	}
	if in.Type == "" {
		in.Type = domain.AccountChecking
	}
	if !in.Type.Valid() {
		return domain.Account{}, domain.AuditRecord{}, fmt.Errorf("%w: unknown account type %q", ErrValidation, in.Type)
	}
	label := strings.TrimSpace(in.Label)
	if label == "" || len(label) > MaxLabelLen {
		return domain.Account{}, domain.AuditRecord{}, fmt.Errorf("%w: label must be 1-%d characters", ErrValidation, MaxLabelLen)
	}
	cur, err := NormalizeCurrency(in.Currency)
	if err != nil {
		return domain.Account{}, domain.AuditRecord{}, err
	}
	if in.OpeningBalance.IsNegative() {
		return domain.Account{}, domain.AuditRecord{}, fmt.Errorf("%w: opening balance must not be negative", ErrValidation)
	}
	if err := CheckAmount(in.OpeningBalance, "opening balance"); err != nil {
		return domain.Account{}, domain.AuditRecord{}, err
	}

	now = now.UTC().Truncate(time.Microsecond)
	acc := domain.Account{
		ID:        id,
		UserID:    in.UserID,
		Type:      in.Type,
		Label:     label,
		Balance:   in.OpeningBalance,
		Currency:  cur,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	canon, err := audit.Canonicalize(struct {
		AccountID      string `json:"account_id"`
		Type           string `json:"type"`
		Label          string `json:"label"`
		Currency       string `json:"currency"`
		OpeningBalance string `json:"opening_balance"`
	}{id.String(), string(acc.Type), label, cur, acc.Balance.String()})
	if err != nil {
		return domain.Account{}, domain.AuditRecord{}, err
	}

	return acc, domain.AuditRecord{
		ID:               auditID,
		UserID:           in.UserID,
		Action:           domain.ActionAccountOpened,
		Details:          canon.JSON,
		DetailsCanonical: canon.Canonical,
		DetailsDigest:    canon.Digest,
		CreatedAt:        now,
	}, nil
}

// PlanCategory validates a new category and returns it with its
// category.created audit record.
func PlanCategory(userID uuid.UUID, name string, id, auditID uuid.UUID, now time.Time) (domain.Category, domain.AuditRecord, error) {
	if userID == uuid.Nil {
		return domain.Category{}, domain.AuditRecord{}, fmt.Errorf("%w: user is required", ErrValidation)
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxLabelLen {
		return domain.Category{}, domain.AuditRecord{}, fmt.Errorf("%w: category name must be 1-%d characters", ErrValidation, MaxLabelLen)
	}
	now = now.UTC().Truncate(time.Microsecond)

	canon, err := audit.Canonicalize(map[string]string{
		"category_id": id.String(),
		"name":        name,
	})
	if err != nil {
		return domain.Category{}, domain.AuditRecord{}, err
	}
	return domain.Category{ID: id, UserID: userID, Name: name, CreatedAt: now},
		domain.AuditRecord{
			ID:               auditID,
			UserID:           userID,
			Action:           domain.ActionCategoryCreated,
			Details:          canon.JSON,
			DetailsCanonical: canon.Canonical,
			DetailsDigest:    canon.Digest,
			CreatedAt:        now,
		}, nil
}
