package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotabod/subsync/internal/engine"
)

var creditCmd = &cobra.Command{
	Use:   "apply-credit <user-id>",
	Short: "Apply a user's gift credit balance as a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, eng, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := eng.TryApply(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		switch res.Outcome {
		case engine.OutcomeApplied:
			fmt.Printf("credit applied: subscription %s (balance was %d)\n", res.SubscriptionID, res.Balance)
		case engine.OutcomeAlreadyActive:
			fmt.Printf("no action: active subscription %s already present\n", res.SubscriptionID)
		default:
			fmt.Printf("no action: no credit balance (balance %d)\n", res.Balance)
		}
		return nil
	},
}
