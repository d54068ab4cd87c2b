package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"portal-ledger/internal/domain"
	"portal-ledger/internal/transfer"
)

// SQLSTATEs that abort a transaction only because another writer holds or
// raced for the same rows. The caller may retry.
const (
	sqlSerializationFailure = "40001"
	sqlDeadlockDetected     = "40P01"
	sqlLockNotAvailable     = "55P03"
	sqlUniqueViolation      = "23505"
)

type Store struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
	now         func() time.Time
}

var _ transfer.Ledger = (*Store)(nil)

type Option func(*Store)

// WithLockTimeout bounds how long a transfer waits for an account row lock
// before failing with transfer.ErrContention.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func New(db *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, err
	}
	if s.lockTimeout > 0 {
		// SET does not take bind parameters; the value is an integer we format.
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}
	return tx, nil
}

// classify maps Postgres conflict errors to transfer.ErrContention and
// keeps the original error in the chain.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlSerializationFailure, sqlDeadlockDetected, sqlLockNotAvailable:
			return fmt.Errorf("%w: %w", transfer.ErrContention, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlUniqueViolation
}

// =========================
// Accounts and categories
// =========================

func (s *Store) CreateAccount(ctx context.Context, in transfer.OpenAccount) (domain.Account, error) {
	acc, rec, err := transfer.PlanOpenAccount(in, uuid.New(), uuid.New(), s.now())
	if err != nil {
		return domain.Account{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts(account_id, user_id, account_type, label, currency, balance, version, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6::numeric,$7,$8,$9)`,
		acc.ID, acc.UserID, string(acc.Type), acc.Label, acc.Currency, acc.Balance.String(), acc.Version, acc.CreatedAt, acc.UpdatedAt,
	)
	if err != nil {
		return domain.Account{}, err
	}
	if err := insertAudit(ctx, tx, rec); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, err
	}
	return acc, nil
}

const accountColumns = `account_id, user_id, account_type, label, currency, balance::text, version, created_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		acc     domain.Account
		accType string
		balance string
	)
	err := row.Scan(&acc.ID, &acc.UserID, &accType, &acc.Label, &acc.Currency, &balance, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return domain.Account{}, err
	}
	acc.Type = domain.AccountType(accType)
	if acc.Balance, err = decimal.NewFromString(balance); err != nil {
		return domain.Account{}, fmt.Errorf("account %s: balance %q: %w", acc.ID, balance, err)
	}
	return acc, nil
}

func (s *Store) Account(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	if id == uuid.Nil {
		return domain.Account{}, transfer.ErrValidation
	}
	acc, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("%w: account %s", transfer.ErrNotFound, id)
		}
		return domain.Account{}, err
	}
	return acc, nil
}

func (s *Store) CreateCategory(ctx context.Context, userID uuid.UUID, name string) (domain.Category, error) {
	cat, rec, err := transfer.PlanCategory(userID, name, uuid.New(), uuid.New(), s.now())
	if err != nil {
		return domain.Category{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Category{}, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO categories(category_id, user_id, name, created_at) VALUES($1,$2,$3,$4)`,
		cat.ID, cat.UserID, cat.Name, cat.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Category{}, fmt.Errorf("%w: category %q already exists", transfer.ErrValidation, cat.Name)
		}
		return domain.Category{}, err
	}
	if err := insertAudit(ctx, tx, rec); err != nil {
		return domain.Category{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Category{}, err
	}
	return cat, nil
}

// =========================
// Transfers
// =========================

// ApplyTransfer posts one transfer: two balance updates, a debit/credit
// pair and one audit record, in a single database transaction. Both account
// rows are locked FOR UPDATE in ascending id order before the balance check.
func (s *Store) ApplyTransfer(ctx context.Context, req transfer.Request, auth transfer.Authorizer) (transfer.Result, error) {
	res, err := s.applyTransfer(ctx, req, auth)
	return res, classify(err)
}

func (s *Store) applyTransfer(ctx context.Context, req transfer.Request, auth transfer.Authorizer) (transfer.Result, error) {
	var requestHash, idemKey string
	if req.IdempotencyKey != "" {
		var err error
		if requestHash, err = req.Hash(); err != nil {
			return transfer.Result{}, err
		}
		idemKey = req.IdempotencyScope()
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return transfer.Result{}, err
	}
	defer tx.Rollback(ctx)

	if req.IdempotencyKey != "" {
		// Serialize per idempotency key so two concurrent replays cannot both post.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, idemKey); err != nil {
			return transfer.Result{}, err
		}

		var (
			existingHash string
			stored       []byte
		)
		err := tx.QueryRow(ctx,
			`SELECT request_hash, result FROM idempotency WHERE key=$1`,
			idemKey,
		).Scan(&existingHash, &stored)
		switch {
		case err == nil:
			if existingHash != requestHash {
				return transfer.Result{}, transfer.ErrIdempotencyConflict
			}
			var res transfer.Result
			if err := json.Unmarshal(stored, &res); err != nil {
				return transfer.Result{}, fmt.Errorf("idempotency %s: stored result: %w", req.IdempotencyKey, err)
			}
			res.Replayed = true
			return res, nil
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return transfer.Result{}, err
		}
	}

	first, second := req.FromAccountID, req.ToAccountID
	if second.String() < first.String() {
		first, second = second, first
	}
	locked := make(map[uuid.UUID]domain.Account, 2)
	for _, id := range []uuid.UUID{first, second} {
		acc, err := scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE account_id=$1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return transfer.Result{}, transfer.Missing(auth, req.ActingUserID, "account", id)
			}
			return transfer.Result{}, err
		}
		locked[id] = acc
	}

	var category *domain.Category
	if req.CategoryID != nil {
		var c domain.Category
		err := tx.QueryRow(ctx,
			`SELECT category_id, user_id, name, created_at FROM categories WHERE category_id=$1`,
			*req.CategoryID,
		).Scan(&c.ID, &c.UserID, &c.Name, &c.CreatedAt)
		switch {
		case err == nil:
			category = &c
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return transfer.Result{}, err
		}
	}

	plan, err := transfer.BuildPlan(
		req,
		locked[req.FromAccountID],
		locked[req.ToAccountID],
		category,
		auth,
		transfer.NewIDs(),
		s.now(),
	)
	if err != nil {
		return transfer.Result{}, err
	}

	for _, acc := range []domain.Account{plan.From, plan.To} {
		if err := updateBalance(ctx, tx, acc); err != nil {
			return transfer.Result{}, err
		}
	}
	for _, e := range []domain.LedgerEntry{plan.Debit, plan.Credit} {
		if err := insertEntry(ctx, tx, e); err != nil {
			return transfer.Result{}, err
		}
	}
	if err := insertAudit(ctx, tx, plan.Audit); err != nil {
		return transfer.Result{}, err
	}

	res := plan.Result()
	if req.IdempotencyKey != "" {
		resJSON, err := json.Marshal(res)
		if err != nil {
			return transfer.Result{}, err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO idempotency(key, request_hash, result) VALUES($1,$2,$3::jsonb)`,
			idemKey, requestHash, string(resJSON),
		)
		if err != nil {
			return transfer.Result{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return transfer.Result{}, err
	}
	return res, nil
}

// updateBalance writes the planned balance. The version predicate is
// redundant under FOR UPDATE and catches a plan built from a stale row.
func updateBalance(ctx context.Context, tx pgx.Tx, acc domain.Account) error {
	tag, err := tx.Exec(ctx,
		`UPDATE accounts SET balance=$2::numeric, version=$3, updated_at=$4
		  WHERE account_id=$1 AND version=$5`,
		acc.ID, acc.Balance.String(), acc.Version, acc.UpdatedAt, acc.Version-1,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: account %s changed underneath", transfer.ErrContention, acc.ID)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e domain.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entry(entry_id, transfer_id, account_id, category_id, amount, entry_type, description, created_at)
		 VALUES($1,$2,$3,$4,$5::numeric,$6,$7,$8)`,
		e.ID, e.TransferID, e.AccountID, e.CategoryID, e.Amount.String(), string(e.Type), e.Description, e.CreatedAt,
	)
	return err
}

// insertAudit is the single entry point for audit_log inserts.
func insertAudit(ctx context.Context, tx pgx.Tx, rec domain.AuditRecord) error {
	if rec.Action == "" || rec.UserID == uuid.Nil || rec.DetailsDigest == "" {
		return transfer.ErrValidation
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_log(audit_id, user_id, action, details, details_canonical, details_digest, created_at)
		 VALUES($1,$2,$3,$4::jsonb,$5,$6,$7)`,
		rec.ID, rec.UserID, rec.Action, string(rec.Details), rec.DetailsCanonical, rec.DetailsDigest, rec.CreatedAt,
	)
	return err
}

// ScanAudit calls fn for every audit record in commit-time order.
func (s *Store) ScanAudit(ctx context.Context, fn func(domain.AuditRecord) error) error {
	rows, err := s.db.Query(ctx,
		`SELECT audit_id, user_id, action, details_canonical, details_digest, created_at
		   FROM audit_log
		  ORDER BY created_at, audit_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rec domain.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Action, &rec.DetailsCanonical, &rec.DetailsDigest, &rec.CreatedAt); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
