package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BDNK1/flowbase/cli/internal/security"
	"github.com/BDNK1/flowbase/runtime"
	"github.com/spf13/cobra"
)

func exampleWorkflow() *runtime.WorkflowDefinition {
	return &runtime.WorkflowDefinition{
		ID:   "my-first-workflow",
		Name: "My First Workflow",
		Steps: []runtime.Step{
			runtime.VariableStep("message", "Hello World"),
			runtime.FunctionStep("printMessage", "$message"),
		},
	}
}

const exampleFunction = `name: printMessage
description: Echoes its argument
inputTypes: [string]
outputType: string
code: args[0]
`

const exampleVariable = `name: message
description: A non-empty greeting
type: string
code: is_string(value) && len(value) > 0
`

func newWizardCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "wizard",
		Short: "Guide through creating a first workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			example, err := json.MarshalIndent(exampleWorkflow(), "", "  ")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Welcome to the Flowbase workflow wizard!")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "A workflow is a list of steps. Each step is either:")
			fmt.Fprintln(out, `  - a function step: { "fn": "functionName", "args": ["arg1", "$variable"] }`)
			fmt.Fprintln(out, `  - a variable step: { "var": "variableName", "value": "someValue" }`)
			fmt.Fprintln(out, `Steps may add "retry", "onError" and "output"; the workflow may add "onError".`)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Example function (save as printMessage.yaml):")
			fmt.Fprint(out, indent(exampleFunction))
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Example variable (save as message.yaml):")
			fmt.Fprint(out, indent(exampleVariable))
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Example workflow (save as example.json):")
			fmt.Fprintln(out, string(example))
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Next steps:")
			fmt.Fprintln(out, "  1. flowbase fn:add printMessage.yaml")
			fmt.Fprintln(out, "  2. flowbase var:add message.yaml")
			fmt.Fprintln(out, "  3. flowbase workflow:import example.json")
			fmt.Fprintln(out, "  4. flowbase workflow:run my-first-workflow")
			fmt.Fprintln(out, "  5. flowbase workflow:export my-first-workflow out.json")

			if output == "" {
				return nil
			}
			path, err := security.ResolveInWorkDir(output)
			if err != nil {
				return fmt.Errorf("invalid output path: %w", err)
			}
			if err := os.WriteFile(path, append(example, '\n'), 0o644); err != nil {
				return fmt.Errorf("failed to write example workflow: %w", err)
			}
			fmt.Fprintf(out, "\nExample workflow written to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Also write the example workflow to this file")
	return cmd
}

func indent(s string) string {
	var b strings.Builder
	for _, line := range strings.SplitAfter(s, "\n") {
		if line != "" {
			b.WriteString("  " + line)
		}
	}
	return b.String()
}
