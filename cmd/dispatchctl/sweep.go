package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/schedule"
	"github.com/example/ride-dispatch/internal/storage"
)

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one scheduling sweep and print what it did",
		Long: "Runs generate, reserve and maintain once. Reservations and pool offers " +
			"are announced through the Redis relay the servers subscribe to and the Kafka " +
			"event log, whichever is configured; with neither they are only recorded.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store storage.Store) error {
				return a.withNotifier(cmd, func(notifier dispatch.Notifier) error {
					sw := &schedule.Sweeper{
						Store:      store,
						Aggregator: &pool.Aggregator{Store: store, Notifier: notifier, MinParticipants: a.cfg.PoolMinParticipants, Logger: a.logger},
						Notifier:   notifier,
						Logger:     a.logger,
						Config: schedule.Config{
							Interval:          a.cfg.SweepInterval,
							LookaheadDays:     a.cfg.LookaheadDays,
							LeadWindow:        a.cfg.BookingLead,
							ReservationBuffer: a.cfg.ReservationBuffer,
							Location:          a.cfg.Location(),
						},
					}
					rep := sw.Tick(cmd.Context())
					printReport(cmd, rep)
					if len(rep.Errors) > 0 {
						return fmt.Errorf("%d sweep phase(s) failed", len(rep.Errors))
					}
					return nil
				})
			})
		},
	}
}

func printReport(cmd *cobra.Command, rep schedule.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "generated\t%d\n", rep.Generated)
	fmt.Fprintf(out, "reserved\t%d\n", rep.Reserved)
	fmt.Fprintf(out, "offers_announced\t%d\n", rep.OffersAnnounced)
	fmt.Fprintf(out, "released\t%d\n", rep.Released)
	fmt.Fprintf(out, "offers_expired\t%d\n", rep.OffersExpired)
	fmt.Fprintf(out, "offers_cancelled\t%d\n", rep.OffersCancelled)
	phases := make([]string, 0, len(rep.Errors))
	for p := range rep.Errors {
		phases = append(phases, p)
	}
	sort.Strings(phases)
	for _, p := range phases {
		fmt.Fprintf(out, "error\t%s: %v\n", p, rep.Errors[p])
	}
}
