package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/inkpass/pkg/api"
	zerologadapter "github.com/mihaimyh/inkpass/pkg/billing/logger/zerolog"
	"github.com/mihaimyh/inkpass/storage/postgres"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the billing HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.cfg.ValidateServe(); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Storage != storagePostgres {
				return fmt.Errorf("migrate needs STORAGE=postgres, got %q", c.cfg.Storage)
			}
			if err := c.cfg.Validate(); err != nil {
				return err
			}
			pg, err := postgres.New(cmd.Context(), c.cfg.Postgres)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := postgres.Migrate(cmd.Context(), pg.Pool(), zerologadapter.NewLogger(c.log)); err != nil {
				return err
			}
			c.log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func (c *cli) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile-session <session-id>",
		Short: "Reconcile a checkout session against the gateway",
		Long: `Fetches the checkout session from the gateway and applies it as if its
completion webhook had arrived. Safe to repeat; a session that is already
reconciled is left unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.Validate(); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.service.ReplaySession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func (c *cli) plansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "Print the plan catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plans := make([]api.PlanResponse, 0)
			for _, p := range newCatalog(c.cfg).Plans() {
				plans = append(plans, api.NewPlanResponse(p))
			}
			return printJSON(cmd.OutOrStdout(), plans)
		},
	}
}
