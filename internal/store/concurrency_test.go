package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"portal-ledger/internal/transfer"
)

func TestConcurrentSameIdempotencyKey_PostsOnce(t *testing.T) {
	// Not parallel. Shares DB.
	pool := newTestPool(t)
	s := New(pool, WithLockTimeout(5*time.Second))
	auth := transfer.NewOwnerPolicy()

	user := uuid.New()
	from := openAccount(t, s, user, "1000")
	to := openAccount(t, s, user, "0")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := transfer.Request{
		FromAccountID:  from.ID,
		ToAccountID:    to.ID,
		Amount:         decimal.NewFromInt(7),
		ActingUserID:   user,
		IdempotencyKey: "same-" + uuid.NewString(),
	}

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[uuid.UUID]int{}
		fresh   int
		errsOut []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ApplyTransfer(ctx, req, auth)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errsOut = append(errsOut, err)
				return
			}
			ids[res.TransferID]++
			if !res.Replayed {
				fresh++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errsOut)
	require.Len(t, ids, 1, "all callers must see the same transfer")
	require.Equal(t, 1, fresh)

	got, err := s.Account(ctx, from.ID)
	require.NoError(t, err)
	require.True(t, got.Balance.Equal(decimal.NewFromInt(993)), got.Balance.String())
}

func TestConcurrentOppositeTransfers_ConserveAndNeverOverdraw(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool, WithLockTimeout(5*time.Second))
	auth := transfer.NewOwnerPolicy()

	user := uuid.New()
	alice := openAccount(t, s, user, "100")
	bob := openAccount(t, s, user, "100")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const perSide = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       = map[uuid.UUID]int{}
		failures []error
	)
	run := func(from, to uuid.UUID) {
		defer wg.Done()
		for i := 0; i < perSide; i++ {
			_, err := s.ApplyTransfer(ctx, transfer.Request{
				FromAccountID: from,
				ToAccountID:   to,
				Amount:        decimal.NewFromInt(9),
				ActingUserID:  user,
			}, auth)
			mu.Lock()
			switch {
			case err == nil:
				ok[from]++
			case errors.Is(err, transfer.ErrInsufficientFunds), errors.Is(err, transfer.ErrContention):
			default:
				failures = append(failures, err)
			}
			mu.Unlock()
		}
	}
	wg.Add(4)
	go run(alice.ID, bob.ID)
	go run(bob.ID, alice.ID)
	go run(alice.ID, bob.ID)
	go run(bob.ID, alice.ID)
	wg.Wait()

	require.Empty(t, failures)

	a, err := s.Account(ctx, alice.ID)
	require.NoError(t, err)
	b, err := s.Account(ctx, bob.ID)
	require.NoError(t, err)

	require.False(t, a.Balance.IsNegative())
	require.False(t, b.Balance.IsNegative())
	require.True(t, a.Balance.Add(b.Balance).Equal(decimal.NewFromInt(200)))

	wantAlice := decimal.NewFromInt(int64(100 - 9*ok[alice.ID] + 9*ok[bob.ID]))
	require.True(t, a.Balance.Equal(wantAlice), "alice %s want %s", a.Balance, wantAlice)

	var entries int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM ledger_entry WHERE account_id IN ($1, $2)`, alice.ID, bob.ID,
	).Scan(&entries))
	require.Equal(t, 2*(ok[alice.ID]+ok[bob.ID]), entries)
}
