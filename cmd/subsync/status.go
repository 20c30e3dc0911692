package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Show a user's subscription records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		subs, err := store.View(context.Background()).ListByUser(args[0])
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			fmt.Printf("no subscription records for %s\n", args[0])
			return nil
		}

		for _, sub := range subs {
			end := "-"
			if sub.CurrentPeriodEnd != nil {
				end = sub.CurrentPeriodEnd.Format(time.RFC3339)
			}
			flags := ""
			if sub.CancelAtPeriodEnd {
				flags += " cancel-at-period-end"
			}
			if sub.IsGift {
				flags += " gift"
			}
			fmt.Printf("%s  %-9s %-9s price=%-20s period_end=%s%s\n",
				sub.ID, sub.Status, sub.TransactionType, sub.ExternalPriceID, end, flags)
		}
		return nil
	},
}
