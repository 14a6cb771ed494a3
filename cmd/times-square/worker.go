package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

func newWorkerCommand(root *rootOptions, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Drain the task queue and track notebook executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.storage, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			pool, err := a.pool()
			if err != nil {
				return err
			}
			return pool.Run(cmd.Context())
		},
	}
}
