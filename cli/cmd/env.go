package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BDNK1/flowbase/cli/internal/config"
	httpplugin "github.com/BDNK1/flowbase/plugins/http"
	"github.com/BDNK1/flowbase/plugins/sqldb"
	"github.com/BDNK1/flowbase/runtime"
	"github.com/BDNK1/flowbase/runtime/engine/exprlang"
	"github.com/BDNK1/flowbase/store"
	"github.com/spf13/cobra"
)

// environment is what a command needs from flowbase.yaml: a logger, the
// loaded config and an open store.
type environment struct {
	l     *slog.Logger
	cfg   *config.Config
	store *store.Store
	app   *runtime.App
}

func (o *options) open(cmd *cobra.Command) (*environment, error) {
	l := o.logger(cmd)

	cfg, err := config.Load(o.configPath, o.lookupEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	s, err := store.Open(cmd.Context(), l, cfg.Database)
	if err != nil {
		return nil, err
	}
	return &environment{l: l, cfg: cfg, store: s}, nil
}

// loadApp compiles the stored functions and variables and registers the
// built-in plugins next to them.
func (e *environment) loadApp(ctx context.Context) (*runtime.App, error) {
	functions, variables, err := e.store.LoadRegistries(ctx, exprlang.NewFunctionCompiler(), exprlang.NewSchemaCompiler())
	if err != nil {
		return nil, err
	}

	app := runtime.NewApp(e.l, functions, variables)
	e.app = app
	if _, err := httpplugin.Register(ctx, app, e.cfg.HTTP); err != nil {
		return nil, fmt.Errorf("failed to register http plugin: %w", err)
	}
	if e.cfg.SQL.Enabled() {
		if _, err := sqldb.Register(ctx, e.l, app, e.cfg.SQL); err != nil {
			return nil, fmt.Errorf("failed to register sql plugin: %w", err)
		}
	}
	return app, nil
}

func (e *environment) executor() *runtime.Executor {
	return runtime.NewExecutor(e.l, runtime.WithConfig(e.cfg.Engine))
}

func (e *environment) Close(ctx context.Context) error {
	var errs []error
	if e.app != nil {
		errs = append(errs, e.app.Shutdown(ctx))
	}
	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}
