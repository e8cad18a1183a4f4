package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/stargate/pkg/api"
	"github.com/Mindburn-Labs/stargate/pkg/ledger"
)

// withLedger opens the configured stores for a one-shot account command.
func withLedger(stderr io.Writer, fn func(ctx context.Context, l *ledger.Ledger) error) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	if err := fn(ctx, ledger.New(st.ledger)); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func requireUser(cmd *flag.FlagSet, stderr io.Writer, userID int64) bool {
	if userID <= 0 {
		_, _ = fmt.Fprintf(stderr, "Error: --user is required for %s\n", cmd.Name())
		return false
	}
	return true
}

// runOpenCmd implements `stargate open`.
func runOpenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("open", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		userID  int64
		initial int64
		actor   string
	)
	cmd.Int64Var(&userID, "user", 0, "User id (REQUIRED)")
	cmd.Int64Var(&initial, "initial", 0, "Initial star grant")
	cmd.StringVar(&actor, "actor", "operator", "Actor recorded on the grant entry")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !requireUser(cmd, stderr, userID) {
		return 2
	}

	return withLedger(stderr, func(ctx context.Context, l *ledger.Ledger) error {
		if err := l.Open(ctx, userID, initial, actor); err != nil {
			return err
		}
		balance, err := l.Balance(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "user %d opened, balance %d\n", userID, balance)
		return nil
	})
}

// runCreditCmd implements `stargate credit`. Reusing --op makes the
// credit a no-op, so a failed invocation can be retried safely.
func runCreditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("credit", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		userID int64
		amount int64
		opID   string
		reason string
		actor  string
	)
	cmd.Int64Var(&userID, "user", 0, "User id (REQUIRED)")
	cmd.Int64Var(&amount, "amount", 0, "Stars to add (REQUIRED)")
	cmd.StringVar(&opID, "op", "", "Operation id (default: random)")
	cmd.StringVar(&reason, "reason", string(ledger.ReasonTopUp), "top_up or adjustment")
	cmd.StringVar(&actor, "actor", "operator", "Actor recorded on the entry")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !requireUser(cmd, stderr, userID) {
		return 2
	}
	if amount <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --amount must be positive")
		return 2
	}
	r := ledger.Reason(reason)
	if r != ledger.ReasonTopUp && r != ledger.ReasonAdjustment {
		_, _ = fmt.Fprintf(stderr, "Error: unsupported reason %q\n", reason)
		return 2
	}
	if opID == "" {
		opID = "cli-" + uuid.NewString()
	}

	return withLedger(stderr, func(ctx context.Context, l *ledger.Ledger) error {
		res, err := l.Credit(ctx, ledger.Mutation{UserID: userID, Amount: amount, Reason: r, Actor: actor, OperationID: opID})
		if err != nil {
			return err
		}
		if !res.Applied {
			fmt.Fprintf(stdout, "operation %s already applied, balance %d\n", opID, res.NewBalance)
			return nil
		}
		fmt.Fprintf(stdout, "credited %d to user %d, balance %d (operation %s)\n", amount, userID, res.NewBalance, opID)
		return nil
	})
}

// runSubscribeCmd implements `stargate subscribe`.
func runSubscribeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		userID int64
		until  string
		cancel bool
	)
	cmd.Int64Var(&userID, "user", 0, "User id (REQUIRED)")
	cmd.StringVar(&until, "until", "", "Expiry as RFC 3339 (default: no expiry)")
	cmd.BoolVar(&cancel, "cancel", false, "Deactivate the subscription")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !requireUser(cmd, stderr, userID) {
		return 2
	}
	var expiry *time.Time
	if until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid --until: %v\n", err)
			return 2
		}
		expiry = &t
	}

	return withLedger(stderr, func(ctx context.Context, l *ledger.Ledger) error {
		if err := l.SetSubscription(ctx, userID, !cancel, expiry); err != nil {
			return err
		}
		state := "active"
		if cancel {
			state = "inactive"
		}
		fmt.Fprintf(stdout, "user %d subscription %s\n", userID, state)
		return nil
	})
}

// runBalanceCmd implements `stargate balance`.
func runBalanceCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("balance", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		userID     int64
		limit      int
		jsonOutput bool
	)
	cmd.Int64Var(&userID, "user", 0, "User id (REQUIRED)")
	cmd.IntVar(&limit, "limit", 10, "Number of recent entries to show")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !requireUser(cmd, stderr, userID) {
		return 2
	}

	return withLedger(stderr, func(ctx context.Context, l *ledger.Ledger) error {
		p, err := l.Lookup(ctx, userID)
		if err != nil {
			return err
		}
		entries, err := l.History(ctx, userID, limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"profile": p, "entries": entries})
		}
		fmt.Fprintf(stdout, "user %d: balance %d, subscribed %t\n", userID, p.Balance, p.Active(time.Now()))
		for _, e := range entries {
			fmt.Fprintf(stdout, "  %s  %+6d  -> %-6d %-18s %s\n",
				e.Timestamp.Format(time.RFC3339), e.AmountDelta, e.BalanceAfter, e.Reason, e.OperationID)
		}
		return nil
	})
}

// runTokenCmd implements `stargate token`: it prints a bearer token for a
// generation backend to present on the completion webhook.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		subject string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "subject", "generation-backend", "Backend name")
	cmd.DurationVar(&ttl, "ttl", 0, "Token lifetime (default: no expiry)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	if cfg.CallbackSecret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: CALLBACK_SECRET is not set")
		return 2
	}
	token, err := api.SignCallbackToken([]byte(cfg.CallbackSecret), subject, ttl, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
