package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/schedule"
	"github.com/example/ride-dispatch/internal/storage"
)

func newExpandCmd(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "expand <booking-id>",
		Short: "Print the pickup times a booking yields in the lookahead window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("days") {
				days = a.cfg.LookaheadDays
			}
			return a.withStore(cmd, func(store storage.Store) error {
				svc := &booking.Service{Store: store, Location: a.cfg.Location(), Logger: a.logger}
				b, err := svc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				times, err := schedule.Expand(b, time.Now(), days, a.cfg.Location())
				if err != nil {
					return err
				}
				for _, t := range times {
					fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "lookahead in days (defaults to LOOKAHEAD_DAYS)")
	return cmd
}
