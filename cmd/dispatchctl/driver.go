package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func newDriverCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "driver",
		Short: "Manage drivers",
	}

	var d models.Driver
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a driver or update its profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store storage.Store) error {
				svc := &matcher.Service{Store: store, Logger: a.logger}
				out, err := svc.RegisterDriver(cmd.Context(), d)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			})
		},
	}
	add.Flags().StringVar(&d.ID, "id", "", "driver id (generated when empty)")
	add.Flags().StringVar(&d.Name, "name", "", "display name")
	add.Flags().StringVar(&d.Vehicle, "vehicle", "", "vehicle plate")
	add.Flags().IntVar(&d.CurrentZone, "zone", 1, "current zone")
	_ = add.MarkFlagRequired("name")

	cmd.AddCommand(add)
	return cmd
}
