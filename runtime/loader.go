package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"gopkg.in/yaml.v3"
)

// LoadWorkflow parses a JSON workflow document. Every structural problem is
// reported as a ParsingError; function and variable names are not checked.
func LoadWorkflow(input string) (*WorkflowDefinition, error) {
	if strings.TrimSpace(input) == "" {
		return nil, parsingError("Empty JSON input")
	}
	doc, err := gabs.ParseJSON([]byte(input))
	if err != nil {
		return nil, &Error{Kind: ErrorKindParsing, Message: fmt.Sprintf("JSON parsing failed: %v", err), Err: err, Position: -1}
	}
	return decodeDocument(doc)
}

// LoadWorkflowYAML parses the YAML form of a workflow document. It accepts the
// same shape as LoadWorkflow.
func LoadWorkflowYAML(input []byte) (*WorkflowDefinition, error) {
	if len(strings.TrimSpace(string(input))) == 0 {
		return nil, parsingError("Empty YAML input")
	}
	var raw any
	if err := yaml.Unmarshal(input, &raw); err != nil {
		return nil, &Error{Kind: ErrorKindParsing, Message: fmt.Sprintf("YAML parsing failed: %v", err), Err: err, Position: -1}
	}
	return decodeDocument(gabs.Wrap(raw))
}

// LoadWorkflowFile picks the decoder from the file extension: .yaml and .yml
// are YAML, everything else is JSON.
func LoadWorkflowFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadWorkflowYAML(data)
	default:
		return LoadWorkflow(string(data))
	}
}

func decodeDocument(doc *gabs.Container) (*WorkflowDefinition, error) {
	if doc.Data() == nil {
		return nil, parsingError("Workflow cannot be null")
	}
	if _, ok := doc.Data().(map[string]any); !ok {
		return nil, parsingError("Workflow must be an object, got %T", doc.Data())
	}

	id, err := requiredString(doc, "id")
	if err != nil {
		return nil, err
	}
	name, err := requiredString(doc, "name")
	if err != nil {
		return nil, err
	}

	if !doc.Exists("steps") {
		return nil, parsingError("Workflow must have a steps array")
	}
	if _, ok := doc.S("steps").Data().([]any); !ok {
		return nil, parsingError("Workflow steps must be an array")
	}
	steps, err := decodeSteps(doc.S("steps").Data(), "steps")
	if err != nil {
		return nil, err
	}

	def := &WorkflowDefinition{ID: id, Name: name, Steps: steps}
	if doc.Exists("onError") {
		def.OnError, err = decodeSteps(doc.S("onError").Data(), "onError")
		if err != nil {
			return nil, err
		}
	}
	return def, nil
}

func requiredString(doc *gabs.Container, key string) (string, error) {
	if !doc.Exists(key) {
		return "", parsingError("Workflow is missing required field %s", key)
	}
	s, ok := doc.S(key).Data().(string)
	if !ok || s == "" {
		return "", parsingError("Workflow %s must be a non-empty string", key)
	}
	return s, nil
}
