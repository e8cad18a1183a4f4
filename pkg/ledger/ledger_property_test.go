//go:build property
// +build property

package ledger_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/stargate/pkg/ledger"
)

// TestDebitSequenceConservesBalance replays random debit amounts against a
// fresh account and checks the balance against the sum of accepted debits.
func TestDebitSequenceConservesBalance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("balance equals initial minus accepted debits and never goes negative", prop.ForAll(
		func(initial int64, amounts []int64) bool {
			ctx := context.Background()
			l := ledger.New(ledger.NewMemoryStore())
			if err := l.Open(ctx, 1, initial, "prop"); err != nil {
				return false
			}

			expected := initial
			accepted := 0
			for i, amount := range amounts {
				res, err := l.CheckAndDebit(ctx, ledger.Mutation{
					UserID: 1, Amount: amount, Reason: ledger.ReasonImage, OperationID: fmt.Sprintf("op-%d", i),
				})
				if err != nil {
					return false
				}
				if amount <= expected {
					if !res.Debited || res.NewBalance != expected-amount || res.Entry.BalanceAfter != res.NewBalance {
						return false
					}
					expected -= amount
					accepted++
				} else if res.Debited || res.CurrentBalance != expected {
					return false
				}
			}

			bal, err := l.Balance(ctx, 1)
			if err != nil || bal != expected || bal < 0 {
				return false
			}
			entries, err := l.History(ctx, 1, len(amounts)+1)
			if err != nil {
				return false
			}
			grants := 0
			if initial > 0 {
				grants = 1
			}
			return len(entries) == accepted+grants
		},
		gen.Int64Range(0, 500),
		gen.SliceOf(gen.Int64Range(1, 120)),
	))

	properties.Property("debit then compensating credit restores the balance", prop.ForAll(
		func(initial, amount int64) bool {
			ctx := context.Background()
			l := ledger.New(ledger.NewMemoryStore())
			if err := l.Open(ctx, 1, initial, "prop"); err != nil {
				return false
			}
			res, err := l.CheckAndDebit(ctx, ledger.Mutation{UserID: 1, Amount: amount, OperationID: "op"})
			if err != nil || !res.Debited {
				return false
			}
			cr, err := l.Credit(ctx, ledger.Mutation{UserID: 1, Amount: amount, Reason: ledger.ReasonRefund, OperationID: "refund:op"})
			return err == nil && cr.Applied && cr.NewBalance == initial
		},
		gen.Int64Range(100, 10_000),
		gen.Int64Range(1, 100),
	))

	properties.TestingRun(t)
}
