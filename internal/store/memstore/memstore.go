// Package memstore is an in-memory ledger with the same transfer semantics
// as the Postgres store. Balance mutations are serialized per account with
// mutexes taken in ascending account-id order.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"portal-ledger/internal/domain"
	"portal-ledger/internal/transfer"
)

type idemRecord struct {
	hash   string
	result transfer.Result
}

type Store struct {
	mu         sync.RWMutex // guards the maps and slices below
	accounts   map[uuid.UUID]domain.Account
	categories map[uuid.UUID]domain.Category
	entries    []domain.LedgerEntry
	audits     []domain.AuditRecord
	idem       map[string]idemRecord

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

var _ transfer.Ledger = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:   make(map[uuid.UUID]domain.Account),
		categories: make(map[uuid.UUID]domain.Category),
		idem:       make(map[string]idemRecord),
		locks:      make(map[string]*sync.Mutex),
		now:        time.Now,
	}
}

func (s *Store) lock(key string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.locksMu.Unlock()

	m.Lock()
	return m.Unlock
}

// lockAccounts takes both account locks in a global order so transfers in
// opposite directions cannot deadlock.
func (s *Store) lockAccounts(a, b uuid.UUID) func() {
	first, second := a.String(), b.String()
	if second < first {
		first, second = second, first
	}
	unlockFirst := s.lock("acct:" + first)
	unlockSecond := s.lock("acct:" + second)
	return func() {
		unlockSecond()
		unlockFirst()
	}
}

func (s *Store) CreateAccount(ctx context.Context, in transfer.OpenAccount) (domain.Account, error) {
	acc, rec, err := transfer.PlanOpenAccount(in, uuid.New(), uuid.New(), s.now())
	if err != nil {
		return domain.Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.ID] = acc
	s.audits = append(s.audits, rec)
	return acc, nil
}

func (s *Store) Account(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: account %s", transfer.ErrNotFound, id)
	}
	return acc, nil
}

func (s *Store) CreateCategory(ctx context.Context, userID uuid.UUID, name string) (domain.Category, error) {
	cat, rec, err := transfer.PlanCategory(userID, name, uuid.New(), uuid.New(), s.now())
	if err != nil {
		return domain.Category{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.categories {
		if c.UserID == cat.UserID && c.Name == cat.Name {
			return domain.Category{}, fmt.Errorf("%w: category %q already exists", transfer.ErrValidation, cat.Name)
		}
	}
	s.categories[cat.ID] = cat
	s.audits = append(s.audits, rec)
	return cat, nil
}

func (s *Store) ApplyTransfer(ctx context.Context, req transfer.Request, auth transfer.Authorizer) (transfer.Result, error) {
	var hash, idemKey string
	if req.IdempotencyKey != "" {
		var err error
		if hash, err = req.Hash(); err != nil {
			return transfer.Result{}, err
		}
		idemKey = req.IdempotencyScope()
		unlock := s.lock("idem:" + idemKey)
		defer unlock()

		s.mu.RLock()
		rec, ok := s.idem[idemKey]
		s.mu.RUnlock()
		if ok {
			if rec.hash != hash {
				return transfer.Result{}, transfer.ErrIdempotencyConflict
			}
			res := rec.result
			res.Replayed = true
			return res, nil
		}
	}

	unlock := s.lockAccounts(req.FromAccountID, req.ToAccountID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return transfer.Result{}, err
	}

	s.mu.RLock()
	from, okFrom := s.accounts[req.FromAccountID]
	to, okTo := s.accounts[req.ToAccountID]
	var category *domain.Category
	if req.CategoryID != nil {
		if c, ok := s.categories[*req.CategoryID]; ok {
			category = &c
		}
	}
	s.mu.RUnlock()

	if !okFrom {
		return transfer.Result{}, transfer.Missing(auth, req.ActingUserID, "account", req.FromAccountID)
	}
	if !okTo {
		return transfer.Result{}, transfer.Missing(auth, req.ActingUserID, "account", req.ToAccountID)
	}

	plan, err := transfer.BuildPlan(req, from, to, category, auth, transfer.NewIDs(), s.now())
	if err != nil {
		return transfer.Result{}, err
	}
	res := plan.Result()

	// Single critical section: readers see every effect or none.
	s.mu.Lock()
	s.accounts[plan.From.ID] = plan.From
	s.accounts[plan.To.ID] = plan.To
	s.entries = append(s.entries, plan.Debit, plan.Credit)
	s.audits = append(s.audits, plan.Audit)
	if req.IdempotencyKey != "" {
		s.idem[idemKey] = idemRecord{hash: hash, result: res}
	}
	s.mu.Unlock()

	return res, nil
}

// Entries returns the ledger entries of accountID in insertion order.
func (s *Store) Entries(accountID uuid.UUID) []domain.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

// AuditLog returns a copy of all audit records.
func (s *Store) AuditLog() []domain.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditRecord, len(s.audits))
	copy(out, s.audits)
	return out
}
