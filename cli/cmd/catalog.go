package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/BDNK1/flowbase/cli/internal/security"
	"github.com/BDNK1/flowbase/runtime/engine/exprlang"
	"github.com/BDNK1/flowbase/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// functionFile is one function in an fn:add file.
type functionFile struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	InputTypes  []string `yaml:"inputTypes"`
	OutputType  string   `yaml:"outputType"`
	Code        string   `yaml:"code"`
}

// variableFile is one variable in a var:add file.
type variableFile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Type        string `yaml:"type"`
	Code        string `yaml:"code"`
}

func newFnAddCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fn:add <file>",
		Short: "Add or replace functions defined in a YAML or JSON file",
		Long: `fn:add reads one function, or a list of them, and stores each after
checking that its code compiles. Code is an expression over args:

  name: add
  inputTypes: [number, number]
  outputType: number
  code: args[0] + args[1]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var defs []functionFile
			if err := readDefinitions(args[0], &defs); err != nil {
				return err
			}

			compiler := exprlang.NewFunctionCompiler()
			for _, d := range defs {
				if d.Name == "" {
					return errors.New("function is missing required field name")
				}
				if d.OutputType == "" {
					return fmt.Errorf("function %s is missing required field outputType", d.Name)
				}
				if _, err := compiler.Compile(d.Code); err != nil {
					return fmt.Errorf("function %s: %w", d.Name, err)
				}
			}

			env, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			for _, d := range defs {
				inputTypes := d.InputTypes
				if inputTypes == nil {
					inputTypes = []string{}
				}
				rec := &store.FunctionRecord{
					Name:        d.Name,
					Description: d.Description,
					InputTypes:  inputTypes,
					OutputType:  d.OutputType,
					Code:        d.Code,
				}
				if err := env.store.SaveFunction(cmd.Context(), rec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added function: %s(%s) -> %s\n",
					rec.Name, strings.Join(rec.InputTypes, ", "), rec.OutputType)
			}
			return nil
		},
	}
}

func newFnListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fn:list",
		Short: "List stored functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			fns, err := env.store.ListFunctions(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tINPUT\tOUTPUT\tDESCRIPTION")
			for _, f := range fns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Name, strings.Join(f.InputTypes, ","), f.OutputType, f.Description)
			}
			return w.Flush()
		},
	}
}

func newVarAddCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "var:add <file>",
		Short: "Add or replace variables defined in a YAML or JSON file",
		Long: `var:add reads one variable, or a list of them, and stores each after
checking that its schema compiles. The schema is an expression over value
that returns true to accept, false to reject, or a replacement value:

  name: email
  type: string
  code: is_email(value)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var defs []variableFile
			if err := readDefinitions(args[0], &defs); err != nil {
				return err
			}

			compiler := exprlang.NewSchemaCompiler()
			for _, d := range defs {
				if d.Name == "" {
					return errors.New("variable is missing required field name")
				}
				if _, err := compiler.Compile(d.Code); err != nil {
					return fmt.Errorf("variable %s: %w", d.Name, err)
				}
			}

			env, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			for _, d := range defs {
				typ := d.Type
				if typ == "" {
					typ = "any"
				}
				rec := &store.VariableRecord{
					Name:        d.Name,
					Description: d.Description,
					Code:        d.Code,
					Type:        typ,
				}
				if err := env.store.SaveVariable(cmd.Context(), rec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added variable: %s (%s)\n", rec.Name, rec.Type)
			}
			return nil
		},
	}
}

func newVarListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "var:list",
		Short: "List stored variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			vars, err := env.store.ListVariables(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tDESCRIPTION")
			for _, v := range vars {
				fmt.Fprintf(w, "%s\t%s\t%s\n", v.Name, v.Type, v.Description)
			}
			return w.Flush()
		},
	}
}

// readDefinitions decodes a file holding either a single definition or a
// list of them into out, a pointer to a slice. JSON files decode as YAML.
func readDefinitions[T any](arg string, out *[]T) error {
	path, err := security.ResolveInWorkDir(arg)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("file not found: %s", arg)
		}
		return err
	}

	var node yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&node); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s is empty", arg)
		}
		return fmt.Errorf("failed to parse %s: %w", arg, err)
	}

	doc := &node
	if doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 {
		doc = doc.Content[0]
	}
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s: %w", arg, err)
		}
	case yaml.MappingNode:
		var one T
		if err := doc.Decode(&one); err != nil {
			return fmt.Errorf("failed to decode %s: %w", arg, err)
		}
		*out = []T{one}
	default:
		return fmt.Errorf("%s must hold an object or a list of objects", arg)
	}
	if len(*out) == 0 {
		return fmt.Errorf("%s defines nothing", arg)
	}
	return nil
}
