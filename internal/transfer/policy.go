package transfer

import (
	"fmt"

	"github.com/google/uuid"

	"portal-ledger/internal/domain"
)

// Authorizer decides whether actor may move funds on acc.
type Authorizer interface {
	Authorize(actor uuid.UUID, acc domain.Account) error
	// IsAdmin reports whether actor may act on any account. Only admins
	// learn that an id does not exist.
	IsAdmin(actor uuid.UUID) bool
}

// Missing is the error for an account or category id that does not exist.
// Non-admins get the same error as for a resource they do not own.
func Missing(auth Authorizer, actor uuid.UUID, kind string, id uuid.UUID) error {
	if auth.IsAdmin(actor) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return fmt.Errorf("%w: %s %s", ErrUnauthorized, kind, id)
}

// OwnerPolicy lets users act on their own accounts. Admins may act on any
// account.
type OwnerPolicy struct {
	admins map[uuid.UUID]struct{}
}

func NewOwnerPolicy(admins ...uuid.UUID) *OwnerPolicy {
	p := &OwnerPolicy{admins: make(map[uuid.UUID]struct{}, len(admins))}
	for _, a := range admins {
		if a != uuid.Nil {
			p.admins[a] = struct{}{}
		}
	}
	return p
}

func (p *OwnerPolicy) Authorize(actor uuid.UUID, acc domain.Account) error {
	if actor != uuid.Nil && acc.UserID == actor {
		return nil
	}
	if p.IsAdmin(actor) {
		return nil
	}
	return fmt.Errorf("%w: account %s", ErrUnauthorized, acc.ID)
}

func (p *OwnerPolicy) IsAdmin(actor uuid.UUID) bool {
	_, ok := p.admins[actor]
	return ok
}
