package transfer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"portal-ledger/internal/domain"
	"portal-ledger/internal/events"
	"portal-ledger/internal/store/memstore"
	"portal-ledger/internal/transfer"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.TransferCompleted
	err    error
}

func (p *recordingPublisher) PublishTransferCompleted(_ context.Context, ev events.TransferCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []events.TransferCompleted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.TransferCompleted(nil), p.events...)
}

func open(t *testing.T, st *memstore.Store, user uuid.UUID, balance string) domain.Account {
	t.Helper()
	acc, err := st.CreateAccount(context.Background(), transfer.OpenAccount{
		UserID:         user,
		Label:          "wallet",
		Currency:       "USD",
		OpeningBalance: decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
	return acc
}

func TestProcessorTransferPublishesOnce(t *testing.T) {
	st := memstore.New()
	pub := &recordingPublisher{}
	p := transfer.NewProcessor(st, transfer.NewOwnerPolicy(), pub, zap.NewNop(), transfer.Config{})

	user := uuid.New()
	from := open(t, st, user, "50")
	to := open(t, st, user, "0")
	cat, err := st.CreateCategory(context.Background(), user, "food")
	require.NoError(t, err)

	req := transfer.Request{
		FromAccountID:  from.ID,
		ToAccountID:    to.ID,
		Amount:         decimal.NewFromInt(20),
		CategoryID:     &cat.ID,
		ActingUserID:   user,
		IdempotencyKey: "k-1",
	}
	res, err := p.Transfer(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.Replayed)

	evs := pub.published()
	require.Len(t, evs, 1)
	ev := evs[0]
	require.Equal(t, events.TypeTransferCompleted, ev.EventType)
	require.Equal(t, res.TransferID.String(), ev.TransferID)
	require.Equal(t, res.DebitEntryID.String(), ev.DebitEntryID)
	require.Equal(t, from.ID.String(), ev.FromAccountID)
	require.Equal(t, cat.ID.String(), ev.CategoryID)
	require.True(t, ev.Amount.Equal(decimal.NewFromInt(20)))

	// A replay returns the first result and publishes nothing.
	again, err := p.Transfer(context.Background(), req)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, res.TransferID, again.TransferID)
	require.Len(t, pub.published(), 1)

	// Two entries and one transfer audit for the whole exchange.
	require.Len(t, st.Entries(from.ID), 1)
	require.Len(t, st.Entries(to.ID), 1)
	var transfers int
	for _, rec := range st.AuditLog() {
		if rec.Action == domain.ActionTransferCompleted {
			transfers++
		}
	}
	require.Equal(t, 1, transfers)
}

func TestProcessorRejectionsPublishNothing(t *testing.T) {
	st := memstore.New()
	pub := &recordingPublisher{}
	p := transfer.NewProcessor(st, transfer.NewOwnerPolicy(), pub, nil, transfer.Config{})

	user := uuid.New()
	from := open(t, st, user, "10")
	to := open(t, st, user, "0")

	_, err := p.Transfer(context.Background(), transfer.Request{
		FromAccountID: from.ID, ToAccountID: to.ID,
		Amount: decimal.NewFromInt(11), ActingUserID: user,
	})
	require.ErrorIs(t, err, transfer.ErrInsufficientFunds)

	_, err = p.Transfer(context.Background(), transfer.Request{
		FromAccountID: from.ID, ToAccountID: to.ID,
		Amount: decimal.NewFromInt(-1), ActingUserID: user,
	})
	require.ErrorIs(t, err, transfer.ErrValidation)

	require.Empty(t, pub.published())
	require.Empty(t, st.Entries(from.ID))
}

func TestProcessorPublishFailureKeepsTransfer(t *testing.T) {
	st := memstore.New()
	pub := &recordingPublisher{err: errors.New("broker down")}
	p := transfer.NewProcessor(st, transfer.NewOwnerPolicy(), pub, zap.NewNop(), transfer.Config{})

	user := uuid.New()
	from := open(t, st, user, "10")
	to := open(t, st, user, "0")

	_, err := p.Transfer(context.Background(), transfer.Request{
		FromAccountID: from.ID, ToAccountID: to.ID,
		Amount: decimal.NewFromInt(4), ActingUserID: user,
	})
	require.NoError(t, err)

	got, err := st.Account(context.Background(), from.ID)
	require.NoError(t, err)
	require.Equal(t, "6", got.Balance.String())
}

// ctxPublisher records the context it was handed and blocks until it ends.
type ctxPublisher struct {
	canceledOnEntry bool
	deadline        time.Time
	err             error
}

func (p *ctxPublisher) PublishTransferCompleted(ctx context.Context, _ events.TransferCompleted) error {
	p.canceledOnEntry = ctx.Err() != nil
	p.deadline, _ = ctx.Deadline()
	<-ctx.Done()
	p.err = ctx.Err()
	return p.err
}

func (p *ctxPublisher) Close() error { return nil }

func TestProcessorPublishOutlivesRequestContext(t *testing.T) {
	pub := &ctxPublisher{}
	p := transfer.NewProcessor(&flakyLedger{}, transfer.NewOwnerPolicy(), pub, zap.NewNop(), transfer.Config{
		PublishTimeout: 20 * time.Millisecond,
	})

	// The caller is already gone by the time the transfer commits.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	res, err := p.Transfer(ctx, okRequest())
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, res.TransferID)

	require.False(t, pub.canceledOnEntry)
	require.False(t, pub.deadline.IsZero())
	require.ErrorIs(t, pub.err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

// flakyLedger fails with ErrContention a fixed number of times.
type flakyLedger struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyLedger) ApplyTransfer(context.Context, transfer.Request, transfer.Authorizer) (transfer.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls <= l.failures {
		return transfer.Result{}, transfer.ErrContention
	}
	return transfer.Result{TransferID: uuid.New(), Currency: "USD"}, nil
}

func okRequest() transfer.Request {
	return transfer.Request{
		FromAccountID: uuid.New(),
		ToAccountID:   uuid.New(),
		Amount:        decimal.NewFromInt(1),
		ActingUserID:  uuid.New(),
	}
}

func TestProcessorRetriesContention(t *testing.T) {
	l := &flakyLedger{failures: 2}
	p := transfer.NewProcessor(l, transfer.NewOwnerPolicy(), nil, zap.NewNop(), transfer.Config{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	})
	_, err := p.Transfer(context.Background(), okRequest())
	require.NoError(t, err)
	require.Equal(t, 3, l.calls)
}

func TestProcessorGivesUpAfterMaxAttempts(t *testing.T) {
	l := &flakyLedger{failures: 5}
	p := transfer.NewProcessor(l, transfer.NewOwnerPolicy(), nil, zap.NewNop(), transfer.Config{
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
	})
	_, err := p.Transfer(context.Background(), okRequest())
	require.ErrorIs(t, err, transfer.ErrContention)
	require.Equal(t, 2, l.calls)
}

func TestProcessorRetryHonoursCancel(t *testing.T) {
	l := &flakyLedger{failures: 5}
	p := transfer.NewProcessor(l, transfer.NewOwnerPolicy(), nil, zap.NewNop(), transfer.Config{
		MaxAttempts: 5,
		Backoff:     time.Hour,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Transfer(ctx, okRequest())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, l.calls)
}

func TestProcessorConcurrentDebitsNeverOverdraw(t *testing.T) {
	st := memstore.New()
	p := transfer.NewProcessor(st, transfer.NewOwnerPolicy(), nil, zap.NewNop(), transfer.Config{})

	user := uuid.New()
	from := open(t, st, user, "100")
	to := open(t, st, user, "0")

	const workers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Transfer(context.Background(), transfer.Request{
				FromAccountID: from.ID, ToAccountID: to.ID,
				Amount: decimal.NewFromInt(3), ActingUserID: user,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, transfer.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// floor(100/3) transfers fit.
	require.Equal(t, 33, succeeded)
	require.Equal(t, workers-33, rejected)

	a, err := st.Account(context.Background(), from.ID)
	require.NoError(t, err)
	b, err := st.Account(context.Background(), to.ID)
	require.NoError(t, err)
	require.Equal(t, "1", a.Balance.String())
	require.Equal(t, "99", b.Balance.String())
	require.Len(t, st.Entries(from.ID), 33)
}
