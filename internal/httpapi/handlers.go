package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-ledger/internal/domain"
	"portal-ledger/internal/transfer"
)

// Accounts is the account side of a ledger backend.
type Accounts interface {
	CreateAccount(ctx context.Context, in transfer.OpenAccount) (domain.Account, error)
	Account(ctx context.Context, id uuid.UUID) (domain.Account, error)
	CreateCategory(ctx context.Context, userID uuid.UUID, name string) (domain.Category, error)
}

type Transferer interface {
	Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error)
}

type Handlers struct {
	accounts  Accounts
	transfers Transferer
	auth      transfer.Authorizer
	log       *zap.Logger
}

func NewHandlers(accounts Accounts, transfers Transferer, auth transfer.Authorizer, log *zap.Logger) *Handlers {
	return &Handlers{accounts: accounts, transfers: transfers, auth: auth, log: log}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

const maxBodyBytes = 64 << 10

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Ledger semantic errors
	case errors.Is(err, transfer.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transfer.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrContention):
		return http.StatusServiceUnavailable

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don’t leak internals on 5xx.
	if code >= 500 {
		switch code {
		case http.StatusServiceUnavailable:
			return "account busy, retry later"
		case http.StatusGatewayTimeout:
			return "timeout"
		}
		return "internal error"
	}
	return err.Error()
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusForErr(err)
	if code >= 500 {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", correlationID(r.Context())),
			zap.Error(err),
		)
	}
	writeErr(w, code, publicErrMessage(code, err))
}

func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	acc, err := h.accounts.CreateAccount(ctx, transfer.OpenAccount{
		UserID:         actor(r.Context()),
		Type:           req.Type,
		Label:          req.Label,
		Currency:       req.Currency,
		OpeningBalance: req.OpeningBalance,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, domain.AccountResponse{
		AccountID: acc.ID,
		UserID:    acc.UserID,
		Type:      acc.Type,
		Label:     acc.Label,
		Currency:  acc.Currency,
		Balance:   acc.Balance,
	})
}

// GET /v1/accounts/{accountID}/balance
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	accID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	who := actor(r.Context())
	acc, err := h.accounts.Account(ctx, accID)
	switch {
	case err == nil:
		err = h.auth.Authorize(who, acc)
	case errors.Is(err, transfer.ErrNotFound):
		err = transfer.Missing(h.auth, who, "account", accID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.BalanceResponse{
		AccountID: acc.ID,
		Currency:  acc.Currency,
		Balance:   acc.Balance,
		Version:   acc.Version,
	})
}

func (h *Handlers) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCategoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	cat, err := h.accounts.CreateCategory(ctx, actor(r.Context()), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.CategoryResponse{CategoryID: cat.ID, Name: cat.Name})
}

func (h *Handlers) PostTransfer(w http.ResponseWriter, r *http.Request) {
	var req domain.PostTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.transfers.Transfer(ctx, transfer.Request{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		CategoryID:     req.CategoryID,
		Description:    req.Description,
		ActingUserID:   actor(r.Context()),
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, domain.PostTransferResponse{
		DebitTransactionID:  res.DebitEntryID,
		CreditTransactionID: res.CreditEntryID,
		AuditID:             res.AuditID,
		CreatedAt:           res.CreatedAt,
	})
}
