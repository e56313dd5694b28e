package workflow

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cordum/stepflow/core/infra/schema"
)

//go:embed schemas/workflow.schema.json
var definitionSchemaJSON []byte

var definitionSchema = schema.MustCompile("workflow-definition", definitionSchemaJSON)

// IsDefinitionFile reports whether path has a definition file extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ParseDefinition decodes a YAML or JSON document, checks it against the
// definition schema and validates the step graph.
func ParseDefinition(data []byte) (WorkflowDefinition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("parse workflow: %w", err)
	}
	if err := definitionSchema.Validate(raw); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("decode workflow: %w", err)
	}
	if err := def.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

// LoadDefinition reads one definition file.
func LoadDefinition(path string) (WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("read workflow %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDefinitions reads every definition file directly inside dir, in
// file name order. The first bad file aborts the load.
func LoadDefinitions(dir string) ([]WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	defs := make([]WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadDefinition(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
