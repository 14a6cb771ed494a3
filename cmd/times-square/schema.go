package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/times-square-go/internal/platform/postgres"
	pgrepo "github.com/lsst-sqre/times-square-go/internal/repo/postgres"
)

func newSchemaCommand() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print or apply the PostgreSQL schema",
		Long: `Print the PostgreSQL DDL used by the catalog, computation, sync state
task and audit stores. With --apply the statements run against DATABASE_URL;
every statement is idempotent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !apply {
				_, err := fmt.Fprint(cmd.OutOrStdout(), pgrepo.Schema())
				return err
			}
			cfg, err := postgres.ConfigFromEnv()
			if err != nil {
				return fmt.Errorf("database config: %w", err)
			}
			db, err := postgres.Open(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database unavailable: %w", err)
			}
			defer func() { _ = db.Close() }()
			if err := pgrepo.ApplySchema(cmd.Context(), db); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return err
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "apply the schema to DATABASE_URL")
	return cmd
}
