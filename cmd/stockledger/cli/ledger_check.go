package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// Exit code returned when drift was found and not repaired.
const ExitDrift = 10

// Reconciler is the part of the ledger the check command drives.
type Reconciler interface {
	Check(ctx context.Context, key inventory.BalanceKey) (inventory.RecalcResult, error)
	Recalculate(ctx context.Context, key inventory.BalanceKey) (inventory.RecalcResult, error)
}

// LedgerCLI hosts ledger maintenance commands.
type LedgerCLI struct {
	reconciler Reconciler
}

// NewLedgerCLI constructs LedgerCLI.
func NewLedgerCLI(reconciler Reconciler) *LedgerCLI {
	return &LedgerCLI{reconciler: reconciler}
}

// LedgerCheckOptions defines the flags of the ledger-check command.
type LedgerCheckOptions struct {
	Key        inventory.BalanceKey
	Repair     bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// LedgerCheckSummary is the JSON output of ledger-check.
type LedgerCheckSummary struct {
	Key         string          `json:"key"`
	LiveQty     string          `json:"live_qty"`
	LiveAvgCost string          `json:"live_avg_cost"`
	ReplayQty   string          `json:"replay_qty"`
	ReplayCost  string          `json:"replay_avg_cost"`
	Drift       inventory.Drift `json:"drift"`
	Repaired    bool            `json:"repaired"`
}

// CheckCommand compares a live balance with its replayed history and, with
// Repair set, rewrites the balance. It exits ExitDrift when drift remains.
func (c *LedgerCLI) CheckCommand(ctx context.Context, opts LedgerCheckOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if err := opts.Key.Validate(); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "ledger-check: %v\n", err)
		return 1
	}

	summary, err := c.check(ctx, opts)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "ledger-check: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "ledger-check: encode json: %v\n", err)
			return 1
		}
	} else {
		renderCheckHuman(opts.Stdout, summary)
	}
	if !summary.Drift.None() && !summary.Repaired {
		return ExitDrift
	}
	return 0
}

func (c *LedgerCLI) check(ctx context.Context, opts LedgerCheckOptions) (LedgerCheckSummary, error) {
	run := c.reconciler.Check
	if opts.Repair {
		run = c.reconciler.Recalculate
	}
	res, err := run(ctx, opts.Key)
	if err != nil {
		return LedgerCheckSummary{}, err
	}
	return LedgerCheckSummary{
		Key:         opts.Key.String(),
		LiveQty:     res.Before.Quantity.String(),
		LiveAvgCost: res.Before.AvgCost.String(),
		ReplayQty:   res.After.Quantity.String(),
		ReplayCost:  res.After.AvgCost.String(),
		Drift:       res.Drift,
		Repaired:    opts.Repair && !res.Drift.None(),
	}, nil
}

func renderCheckHuman(out io.Writer, s LedgerCheckSummary) {
	_, _ = fmt.Fprintf(out, "balance %s\n", s.Key)
	_, _ = fmt.Fprintf(out, "  live:   qty=%s avg_cost=%s\n", s.LiveQty, s.LiveAvgCost)
	_, _ = fmt.Fprintf(out, "  replay: qty=%s avg_cost=%s\n", s.ReplayQty, s.ReplayCost)
	switch {
	case s.Drift.None():
		_, _ = fmt.Fprintln(out, "  no drift")
	case s.Repaired:
		_, _ = fmt.Fprintf(out, "  drift repaired: qty=%s avg_cost=%s\n", s.Drift.Quantity, s.Drift.AvgCost)
	default:
		_, _ = fmt.Fprintf(out, "  DRIFT: qty=%s avg_cost=%s last_movement_at=%t\n", s.Drift.Quantity, s.Drift.AvgCost, s.Drift.LastMovementAt)
	}
}
