package ledger_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/stargate/pkg/ledger"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the in-memory database shared.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// stores returns every Store implementation available in this environment.
func stores(t *testing.T) map[string]func(t *testing.T) ledger.Store {
	out := map[string]func(t *testing.T) ledger.Store{
		"memory": func(t *testing.T) ledger.Store { return ledger.NewMemoryStore() },
		"sqlite": func(t *testing.T) ledger.Store {
			s := ledger.NewSQLStore(openSQLite(t))
			require.NoError(t, s.Init(context.Background()))
			return s
		},
	}
	if addr := os.Getenv("STARGATE_TEST_REDIS_ADDR"); addr != "" {
		out["redis"] = func(t *testing.T) ledger.Store {
			client := redis.NewClient(&redis.Options{Addr: addr})
			t.Cleanup(func() { _ = client.Close() })
			prefix := fmt.Sprintf("stargate-test-%d", time.Now().UnixNano())
			return ledger.NewRedisStore(client, prefix)
		}
	}
	return out
}

// tickingClock returns strictly increasing timestamps so history order is stable.
func tickingClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func newLedger(t *testing.T, store ledger.Store, userID, balance int64) *ledger.Ledger {
	t.Helper()
	l := ledger.New(store).WithClock(tickingClock())
	require.NoError(t, l.Open(context.Background(), userID, balance, "test"))
	return l
}

func debit(userID, amount int64, op string) ledger.Mutation {
	return ledger.Mutation{UserID: userID, Amount: amount, Reason: ledger.ReasonImage, Actor: "test", OperationID: op}
}

func TestLedger_DebitWithinBalance(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, mk(t), 1, 100)

			res, err := l.CheckAndDebit(ctx, debit(1, 30, "op-1"))
			require.NoError(t, err)
			assert.True(t, res.Debited)
			assert.Equal(t, int64(70), res.NewBalance)
			require.NotNil(t, res.Entry)
			assert.Equal(t, int64(-30), res.Entry.AmountDelta)
			assert.Equal(t, int64(70), res.Entry.BalanceAfter)

			entries, err := l.History(ctx, 1, 0)
			require.NoError(t, err)
			// open grant + debit
			require.Len(t, entries, 2)
			assert.Equal(t, "op-1", entries[0].OperationID)
			assert.Equal(t, int64(70), entries[0].BalanceAfter)
			assert.Equal(t, ledger.ReasonImage, entries[0].Reason)
		})
	}
}

func TestLedger_DebitDenied(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, mk(t), 1, 50)

			res, err := l.CheckAndDebit(ctx, debit(1, 80, "op-1"))
			require.NoError(t, err)
			assert.False(t, res.Debited)
			assert.Equal(t, ledger.DenyInsufficientFunds, res.DenyReason)
			assert.Equal(t, int64(50), res.CurrentBalance)
			assert.Nil(t, res.Entry)

			bal, err := l.Balance(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(50), bal)

			entries, err := l.History(ctx, 1, 10)
			require.NoError(t, err)
			assert.Len(t, entries, 1, "denial must not append an entry")
		})
	}
}

func TestLedger_DebitThenCompensateRestoresBalance(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, mk(t), 1, 100)

			_, err := l.CheckAndDebit(ctx, debit(1, 30, "op-1"))
			require.NoError(t, err)
			res, err := l.Credit(ctx, ledger.Mutation{
				UserID: 1, Amount: 30, Reason: ledger.ReasonRefund, Actor: "system", OperationID: "refund:op-1",
			})
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.Equal(t, int64(100), res.NewBalance)

			entries, err := l.History(ctx, 1, 10)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, int64(30), entries[0].AmountDelta)
			assert.Equal(t, int64(-30), entries[1].AmountDelta)
		})
	}
}

func TestLedger_CreditIsAtMostOncePerOperation(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, mk(t), 1, 10)
			m := ledger.Mutation{UserID: 1, Amount: 25, Reason: ledger.ReasonRefund, Actor: "system", OperationID: "refund:x"}

			first, err := l.Credit(ctx, m)
			require.NoError(t, err)
			assert.True(t, first.Applied)
			assert.Equal(t, int64(35), first.NewBalance)

			second, err := l.Credit(ctx, m)
			require.NoError(t, err)
			assert.False(t, second.Applied)
			assert.Equal(t, int64(35), second.NewBalance)

			entries, err := l.History(ctx, 1, 10)
			require.NoError(t, err)
			assert.Len(t, entries, 2)
		})
	}
}

func TestLedger_OperationIDsAreGlobal(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := mk(t)
			l := newLedger(t, store, 1, 100)
			require.NoError(t, l.Open(ctx, 2, 100, "test"))

			_, err := l.CheckAndDebit(ctx, debit(1, 10, "shared-op"))
			require.NoError(t, err)
			_, err = l.CheckAndDebit(ctx, debit(2, 10, "shared-op"))
			assert.ErrorIs(t, err, ledger.ErrDuplicateOperation)

			refund := ledger.Mutation{UserID: 2, Amount: 5, Reason: ledger.ReasonRefund, Actor: "system", OperationID: "shared-op"}
			res, err := l.Credit(ctx, refund)
			require.NoError(t, err)
			assert.False(t, res.Applied)
			assert.Equal(t, int64(100), res.NewBalance)

			bal, err := l.Balance(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(100), bal)
		})
	}
}

func TestLedger_UnknownUser(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := ledger.New(mk(t))

			_, err := l.Balance(ctx, 404)
			assert.ErrorIs(t, err, ledger.ErrUserNotFound)
			_, err = l.CheckAndDebit(ctx, debit(404, 1, "op"))
			assert.ErrorIs(t, err, ledger.ErrUserNotFound)
			_, err = l.Credit(ctx, ledger.Mutation{UserID: 404, Amount: 1, OperationID: "c"})
			assert.ErrorIs(t, err, ledger.ErrUserNotFound)
			_, err = l.History(ctx, 404, 5)
			assert.ErrorIs(t, err, ledger.ErrUserNotFound)
			err = l.SetSubscription(ctx, 404, true, nil)
			assert.ErrorIs(t, err, ledger.ErrUserNotFound)
		})
	}
}

func TestLedger_RejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.NewMemoryStore(), 1, 10)

	_, err := l.CheckAndDebit(ctx, debit(1, 0, "op"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = l.CheckAndDebit(ctx, debit(1, -5, "op"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = l.Credit(ctx, ledger.Mutation{UserID: 1, Amount: 5})
	assert.ErrorIs(t, err, ledger.ErrMissingOperationID)
	assert.ErrorIs(t, l.Open(ctx, 2, -1, "test"), ledger.ErrInvalidAmount)
}

func TestLedger_DuplicateDebitOperation(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, mk(t), 1, 100)

			_, err := l.CheckAndDebit(ctx, debit(1, 10, "op-1"))
			require.NoError(t, err)
			_, err = l.CheckAndDebit(ctx, debit(1, 10, "op-1"))
			assert.ErrorIs(t, err, ledger.ErrDuplicateOperation)

			bal, err := l.Balance(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(90), bal)
		})
	}
}

func TestLedger_OpenGrantsOnce(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, mk(t), 1, 40)
			require.NoError(t, l.Open(ctx, 1, 40, "test"))

			bal, err := l.Balance(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(40), bal)
		})
	}
}

func TestLedger_Subscription(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, mk(t), 1, 0)
			now := time.Now()

			p, err := l.Lookup(ctx, 1)
			require.NoError(t, err)
			assert.False(t, p.Active(now))

			until := now.Add(24 * time.Hour).Truncate(time.Second)
			require.NoError(t, l.SetSubscription(ctx, 1, true, &until))
			p, err = l.Lookup(ctx, 1)
			require.NoError(t, err)
			assert.True(t, p.Active(now))
			require.NotNil(t, p.SubscriptionUntil)
			assert.True(t, until.Equal(*p.SubscriptionUntil))
			assert.False(t, p.Active(now.Add(48*time.Hour)))

			require.NoError(t, l.SetSubscription(ctx, 1, true, nil))
			p, err = l.Lookup(ctx, 1)
			require.NoError(t, err)
			assert.True(t, p.Active(now.Add(365*24*time.Hour)))
		})
	}
}

// TestLedger_ConcurrentDebits races two debits of 60 against a balance of 100.
func TestLedger_ConcurrentDebits(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, mk(t), 7, 100)

			var (
				wg      sync.WaitGroup
				start   = make(chan struct{})
				results = make([]ledger.DebitResult, 2)
				errs    = make([]error, 2)
			)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					results[i], errs[i] = l.CheckAndDebit(ctx, debit(7, 60, fmt.Sprintf("race-%d", i)))
				}(i)
			}
			close(start)
			wg.Wait()

			require.NoError(t, errs[0])
			require.NoError(t, errs[1])
			debited := 0
			for _, r := range results {
				if r.Debited {
					debited++
				}
			}
			assert.Equal(t, 1, debited, "exactly one debit must succeed")

			bal, err := l.Balance(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, int64(40), bal)
		})
	}
}

func TestLedger_ManyConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.NewMemoryStore(), 9, 1000)

	var (
		wg      sync.WaitGroup
		success atomic.Int64
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.CheckAndDebit(ctx, debit(9, 37, fmt.Sprintf("op-%d", i)))
			if err == nil && res.Debited {
				success.Add(1)
			}
		}(i)
	}
	wg.Wait()

	bal, err := l.Balance(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(1000)/37, success.Load())
	assert.Equal(t, int64(1000)-success.Load()*37, bal)
	assert.GreaterOrEqual(t, bal, int64(0))
}
