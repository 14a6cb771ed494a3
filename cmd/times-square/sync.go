package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/times-square-go/internal/domain"
	"github.com/lsst-sqre/times-square-go/internal/worker"
)

type syncOptions struct {
	ref     string
	enqueue bool
}

func newSyncCommand(root *rootOptions, logger *slog.Logger) *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync <owner/repo>...",
		Short: "Synchronize GitHub repositories into the page catalog",
		Long: `Synchronize the notebooks of one or more GitHub repositories.

By default each repository is synced in this process and a summary is
printed as JSON. With --enqueue a sync task is queued for the workers
instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]domain.RepositoryRef, 0, len(args))
			for _, arg := range args {
				owner, repo, ok := strings.Cut(arg, "/")
				if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
					return fmt.Errorf("invalid repository %q: want owner/repo", arg)
				}
				refs = append(refs, domain.RepositoryRef{Owner: owner, Repo: repo, Ref: opts.ref})
			}

			a, err := newApp(cmd.Context(), root.storage, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.syncer == nil {
				return errors.New("github credentials are not configured")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, ref := range refs {
				if opts.enqueue {
					task, err := worker.EnqueueSync(cmd.Context(), a.stores.tasks, ref, "manual")
					if err != nil {
						return err
					}
					if err := enc.Encode(map[string]string{"repository": ref.Owner + "/" + ref.Repo, "task_id": task.ID}); err != nil {
						return err
					}
					continue
				}
				res, err := a.syncer.SyncRepository(cmd.Context(), ref)
				if err != nil {
					return fmt.Errorf("sync %s/%s: %w", ref.Owner, ref.Repo, err)
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.ref, "ref", "", "git ref to sync (default: the repository's default branch)")
	cmd.Flags().BoolVar(&opts.enqueue, "enqueue", false, "queue the sync for the workers instead of running it")
	return cmd
}
