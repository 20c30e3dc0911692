package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dotabod/subsync/internal/engine"
)

var reconcileFlags struct {
	dryRun      bool
	interactive bool
	chargeID    string
	limit       int
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Find and repair settled charges missing their entitlements",
	Long: `reconcile scans settled external charges, diagnoses each against the
ledger, and re-drives the normal grant pathway for charges whose webhook
delivery failed. Repairs are idempotent and safe to re-run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile(cmd.Context())
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileFlags.dryRun, "dry-run", false, "diagnose without repairing")
	reconcileCmd.Flags().BoolVarP(&reconcileFlags.interactive, "interactive", "i", false, "confirm each repair (repair/skip/quit)")
	reconcileCmd.Flags().StringVar(&reconcileFlags.chargeID, "charge", "", "repair a single charge by its provider charge id")
	reconcileCmd.Flags().IntVar(&reconcileFlags.limit, "limit", 0, fmt.Sprintf("max settled charges to scan (default %d)", engine.DefaultDiscoverLimit))
}

func runReconcile(ctx context.Context) error {
	_, store, eng, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	if reconcileFlags.chargeID != "" {
		res := eng.Repair(ctx, reconcileFlags.chargeID)
		printResult(res)
		if res.Err != nil {
			return fmt.Errorf("repair %s: %w", res.ChargeID, res.Err)
		}
		return nil
	}

	opts := engine.BatchOptions{
		DryRun: reconcileFlags.dryRun,
		Limit:  reconcileFlags.limit,
	}
	if reconcileFlags.interactive {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("--interactive requires a terminal")
		}
		opts.Confirm = promptDecision(bufio.NewReader(os.Stdin))
	}

	report, err := eng.RunBatch(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Printf("run %s: scanned %d, candidates %d\n", report.RunID, report.Scanned, len(report.Candidates))
	if reconcileFlags.dryRun {
		for _, cand := range report.Candidates {
			fmt.Printf("  %-24s user=%-16s %s\n", cand.Charge.ExternalChargeID, cand.Charge.UserID, cand.Diagnosis)
		}
		return nil
	}
	for _, res := range report.Results {
		printResult(res)
	}
	fmt.Printf("repaired %d, failed %d, skipped %d\n", report.Repaired, report.Failed, report.Skipped)
	if report.Failed > 0 {
		return fmt.Errorf("%d repair(s) failed", report.Failed)
	}
	return nil
}

func printResult(res engine.RepairResult) {
	switch {
	case res.Success && res.WebhookOnly:
		fmt.Printf("  %-24s ok (webhook record only) -> %s\n", res.ChargeID, res.SubscriptionID)
	case res.Success:
		fmt.Printf("  %-24s repaired -> %s\n", res.ChargeID, res.SubscriptionID)
	default:
		fmt.Printf("  %-24s failed: %v\n", res.ChargeID, res.Err)
	}
}

// promptDecision asks the operator per candidate. Anything other than an
// explicit repair answer skips the charge, so a stray newline never mutates
// billing state.
func promptDecision(in *bufio.Reader) func(engine.Candidate) engine.BatchDecision {
	return func(cand engine.Candidate) engine.BatchDecision {
		fmt.Printf("charge %s user=%s amount=%d %s diagnosis=%s\n",
			cand.Charge.ExternalChargeID, cand.Charge.UserID,
			cand.Charge.Amount, cand.Charge.Currency, cand.Diagnosis)
		fmt.Print("repair? [r]epair / [s]kip / [q]uit: ")

		line, err := in.ReadString('\n')
		if err != nil {
			return engine.DecisionQuit
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "r", "repair", "y", "yes":
			return engine.DecisionRepair
		case "q", "quit":
			return engine.DecisionQuit
		default:
			return engine.DecisionSkip
		}
	}
}
