package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/BDNK1/flowbase/cli/internal/security"
	"github.com/BDNK1/flowbase/runtime"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newWorkflowImportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "workflow:import <file>",
		Short: "Import a workflow from a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadWorkflowArg(args[0])
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}

			env, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			if err := env.store.SaveWorkflow(cmd.Context(), def); err != nil {
				return fmt.Errorf("import failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Imported workflow: %s\n", def.ID)
			fmt.Fprintf(out, "  Name: %s\n", def.Name)
			fmt.Fprintf(out, "  Steps: %d\n", len(def.Steps))
			return nil
		},
	}
}

func newWorkflowExportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "workflow:export <workflow-id> <file>",
		Short: "Export a stored workflow to a JSON or YAML file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, target := args[0], args[1]
			path, err := security.ResolveInWorkDir(target)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			env, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			def, err := env.store.GetWorkflow(cmd.Context(), id)
			if err != nil {
				if errors.Is(err, runtime.ErrNotFound) {
					return fmt.Errorf("export failed: workflow not found: %s", id)
				}
				return fmt.Errorf("export failed: %w", err)
			}

			data, err := encodeWorkflow(def, path)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Exported workflow: %s\n", def.ID)
			fmt.Fprintf(out, "  Name: %s\n", def.Name)
			fmt.Fprintf(out, "  File: %s\n", target)
			fmt.Fprintf(out, "  Steps: %d\n", len(def.Steps))
			return nil
		},
	}
}

func newWorkflowListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "workflow:list",
		Short: "List stored workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			defs, err := env.store.ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTEPS\tON ERROR")
			for _, def := range defs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", def.ID, def.Name, len(def.Steps), len(def.OnError))
			}
			return w.Flush()
		},
	}
}

func newWorkflowRunCmd(opts *options) *cobra.Command {
	var (
		file string
		vars []string
	)

	cmd := &cobra.Command{
		Use:   "workflow:run [workflow-id]",
		Short: "Run a stored workflow, or a workflow file with --file",
		Long: `Run executes a workflow against the stored functions and variables and
prints the step results as JSON.

Example:
  flowbase workflow:run my-first-workflow --var message="Hi there"
  flowbase workflow:run --file example.json --var 'limits={"max": 3}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (file != "") {
				return errors.New("pass either a workflow id or --file")
			}

			env, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())
			ctx := cmd.Context()

			var def *runtime.WorkflowDefinition
			if file != "" {
				def, err = loadWorkflowArg(file)
			} else {
				def, err = env.store.GetWorkflow(ctx, args[0])
			}
			if err != nil {
				return err
			}

			app, err := env.loadApp(ctx)
			if err != nil {
				return err
			}

			variables := app.Variables.Fork()
			for _, assignment := range vars {
				name, value, err := parseVarFlag(assignment)
				if err != nil {
					return err
				}
				if _, err := variables.SetValue(name, value); err != nil {
					return err
				}
			}

			executionID := uuid.New().String()
			ctx = runtime.ContextWithExecutionID(ctx, executionID)
			results, err := env.executor().RunWorkflow(ctx, def, app.Functions, variables)
			if err != nil {
				return fmt.Errorf("workflow %s failed (execution %s): %w", def.ID, executionID, err)
			}

			return writeJSON(cmd, map[string]any{
				"executionId": executionID,
				"results":     results,
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Run the workflow in this file instead of a stored one")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Set a variable before the run, as name=value (value may be JSON)")
	return cmd
}

func newWorkflowValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "workflow:validate <file>",
		Short: "Type-check a workflow file against the stored functions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadWorkflowArg(args[0])
			if err != nil {
				return err
			}

			env, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			app, err := env.loadApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := env.executor().Validate(def, app.Functions); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is valid\n", def.ID)
			return nil
		},
	}
}

// loadWorkflowArg loads a workflow file named on the command line. The file
// must lie inside the working directory.
func loadWorkflowArg(arg string) (*runtime.WorkflowDefinition, error) {
	path, err := security.ResolveInWorkDir(arg)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %s", arg)
		}
		return nil, err
	}
	return runtime.LoadWorkflowFile(path)
}

// encodeWorkflow renders def as YAML for .yaml/.yml paths and as indented
// JSON otherwise.
func encodeWorkflow(def *runtime.WorkflowDefinition, path string) ([]byte, error) {
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		// JSON is valid YAML; re-encoding the node keeps key order and
		// switches to block style.
		clearStyle(&doc)
		return yaml.Marshal(&doc)
	default:
		return append(data, '\n'), nil
	}
}

func clearStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		clearStyle(c)
	}
}

// parseVarFlag splits name=value. A value that parses as JSON is used
// decoded; anything else is a string.
func parseVarFlag(s string) (string, any, error) {
	name, raw, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", nil, fmt.Errorf("invalid --var %q: expected name=value", s)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return name, raw, nil
	}
	return name, value, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
