// Package cmd implements the flowbase command line.
package cmd

import (
	"log/slog"
	"os"

	"github.com/BDNK1/flowbase/cli/internal/config"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	verbose    bool
	lookupEnv  config.LookupFunc
}

// NewRootCmd builds the flowbase command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{lookupEnv: os.LookupEnv}

	rootCmd := &cobra.Command{
		Use:   "flowbase",
		Short: "Flowbase - workflow definition and execution",
		Long: `Flowbase stores functions, variable schemas and workflows in a database
and runs workflows with type checking, retries and onError recovery.

Start with:
  flowbase wizard`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.FileName, "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newWizardCmd(),
		newWorkflowImportCmd(opts),
		newWorkflowExportCmd(opts),
		newWorkflowListCmd(opts),
		newWorkflowRunCmd(opts),
		newWorkflowValidateCmd(opts),
		newFnAddCmd(opts),
		newFnListCmd(opts),
		newVarAddCmd(opts),
		newVarListCmd(opts),
		newServeCmd(opts),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *options) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	l := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(l)
	return l
}
