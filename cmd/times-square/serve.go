package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/times-square-go/internal/api"
	"github.com/lsst-sqre/times-square-go/internal/platform/auth"
	"github.com/lsst-sqre/times-square-go/internal/platform/env"
	"github.com/lsst-sqre/times-square-go/internal/platform/httpserver"
)

const serviceName = "times-square"

type serveOptions struct {
	listen       string
	inlineWorker bool
}

func newServeCommand(root *rootOptions, logger *slog.Logger) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the Times Square HTTP API and GitHub webhook receiver.

With --inline-worker (or TS_WORKER_INLINE=true) the task worker pool runs
in the same process; otherwise run "times-square worker" separately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("inline-worker") {
				inline, err := env.Bool("TS_WORKER_INLINE", root.storage == storageMemory)
				if err != nil {
					return err
				}
				opts.inlineWorker = inline
			}
			return runServe(cmd.Context(), root, opts, logger)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address (overrides TS_HTTP_ADDR)")
	cmd.Flags().BoolVar(&opts.inlineWorker, "inline-worker", false, "run the task worker pool in-process")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions, logger *slog.Logger) error {
	httpCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if strings.TrimSpace(opts.listen) != "" {
		httpCfg.Addr = opts.listen
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	authn, err := auth.New(ctx, authCfg)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}
	if root.storage == storageMemory && !opts.inlineWorker {
		logger.Warn("in-memory task queue is not shared with other processes; nothing will drain it without --inline-worker")
	}

	a, err := newApp(ctx, root.storage, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.New(api.Config{
		Service:    serviceName,
		BaseURL:    a.pagesCfg.EnvironmentURL + a.pagesCfg.PathPrefix,
		PathPrefix: a.pagesCfg.PathPrefix,
		GitHub:     a.github,
		Audit:      a.stores.audit,
	}, a.pages, a.stores.tasks, auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
		Authorize:     auth.RequireRole(authCfg.RequiredRole),
	}, logger, a.stores.ready...)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.inlineWorker {
		pool, err := a.pool()
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(ctx); err != nil {
				logger.Error("inline worker stopped", "error", err)
			}
		}()
	}

	err = httpserver.Run(ctx, logger, httpCfg, handler.Handler())
	cancel()
	wg.Wait()
	return err
}
