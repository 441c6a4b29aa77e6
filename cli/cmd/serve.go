package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BDNK1/flowbase/runtime"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	var flowsDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow HTTP API",
		Long: `Serve exposes stored workflows over HTTP:

  GET  /workflows
  GET  /workflows/:id
  POST /workflows/:id/run      {"variables": {...}}
  POST /workflows/validate     <workflow JSON>

Functions and variables are loaded once at startup. With --flows, workflows
are read from a directory instead of the database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := env.Close(shutdownCtx); err != nil {
					env.l.Error("Shutdown failed", "error", err)
				}
			}()

			app, err := env.loadApp(ctx)
			if err != nil {
				return err
			}

			var source runtime.WorkflowSource = env.store
			if flowsDir != "" {
				if err := app.LoadWorkflowsDir(flowsDir); err != nil {
					return err
				}
				source = app
			}

			if !opts.verbose {
				gin.SetMode(gin.ReleaseMode)
			}
			g := gin.New()
			g.Use(gin.Recovery())
			runtime.NewHttpHandler(env.l, source, app.Functions, app.Variables, env.executor(), g)

			return serve(ctx, env, g)
		},
	}

	cmd.Flags().StringVar(&flowsDir, "flows", "", "Serve workflows from this directory instead of the database")
	return cmd
}

func serve(ctx context.Context, env *environment, handler http.Handler) error {
	srv := &http.Server{
		Addr:              env.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		env.l.Info("Server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	env.l.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
