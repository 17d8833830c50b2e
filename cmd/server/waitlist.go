package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/leave-import/reconcile"
	"github.com/warp/leave-import/waitlist"
)

func waitlistCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "waitlist",
		Short: "Waitlist maintenance for one calendar day",
	}
	cmd.AddCommand(waitlistResetCmd(a))
	return cmd
}

func waitlistResetCmd(a *app) *cobra.Command {
	var calendar, date, actor string
	var preserveOrder bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Renumber a day's waitlist 1..n",
		Long: `Renumber every waitlisted request of a calendar day to 1..n.

By default the order is the request creation order. With --preserve-order the
current relative order is kept and only the gaps are closed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			day, err := reconcile.ParseDate(date)
			if err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			v := waitlist.NewValidator(store, nil, a.logger)
			updated, err := v.Reset(cmd.Context(), reconcile.CalendarID(calendar), day, preserveOrder, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d request(s) renumbered\n", calendar, day, updated)
			return nil
		},
	}
	cmd.Flags().StringVar(&calendar, "calendar", "", "calendar ID")
	cmd.Flags().StringVar(&date, "date", "", "day to renumber (YYYY-MM-DD)")
	cmd.Flags().StringVar(&actor, "actor", "", "operator ID recorded in the audit log")
	cmd.Flags().BoolVar(&preserveOrder, "preserve-order", false, "keep the current relative order")
	_ = cmd.MarkFlagRequired("calendar")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
