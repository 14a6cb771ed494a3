package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/times-square-go/internal/platform/env"
)

const (
	storageMemory   = "memory"
	storagePostgres = "postgres"
)

type rootOptions struct {
	envFiles []string
	storage  string
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "times-square",
		Short:         "Times Square parameterized notebook pages",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := env.Load(opts.envFiles...); err != nil {
				return err
			}
			if !cmd.Flags().Changed("storage") {
				opts.storage = env.String("TS_STORAGE", opts.storage)
			}
			switch opts.storage {
			case storageMemory, storagePostgres:
				return nil
			default:
				return fmt.Errorf("invalid storage %q: must be %s or %s", opts.storage, storageMemory, storagePostgres)
			}
		},
	}

	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	cmd.PersistentFlags().StringVar(&opts.storage, "storage", storagePostgres, "storage backend (memory|postgres)")

	cmd.AddCommand(newServeCommand(opts, logger))
	cmd.AddCommand(newWorkerCommand(opts, logger))
	cmd.AddCommand(newSyncCommand(opts, logger))
	cmd.AddCommand(newSchemaCommand())

	return cmd
}
