// Package loader reads workflow definitions from YAML documents.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/objectql/objectos-sub008/types"
	"github.com/objectql/objectos-sub008/workflow"
	"gopkg.in/yaml.v3"
)

// Parse decodes a single definition and validates it. Missing versions and
// initial states are filled in the same way registration fills them.
func Parse(encoded []byte) (types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(encoded))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to decode definition: %w", err)
	}
	applyDefaults(&def)
	if violations := workflow.ValidateDefinition(def); len(violations) > 0 {
		return def, &workflow.Error{
			Kind:       workflow.KindInvalidDefinition,
			Definition: def.Name,
			Violations: violations,
		}
	}
	return def, nil
}

// LoadFile parses the definition at path. The file name without extension
// names definitions that omit one.
func LoadFile(path string) (types.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	raw = withName(raw, nameFromPath(path))
	def, err := Parse(raw)
	if err != nil {
		return def, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir parses every .yaml and .yml file in dir, in file name order. All
// failures are reported together.
func LoadDir(dir string) ([]types.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	defs := make([]types.WorkflowDefinition, 0, len(paths))
	var errs []error
	for _, path := range paths {
		def, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}

// Marshal encodes def as YAML.
func Marshal(def types.WorkflowDefinition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func applyDefaults(def *types.WorkflowDefinition) {
	if def.Version == "" {
		def.Version = "1"
	}
	if def.InitialState == "" {
		for _, s := range def.States {
			if s.Initial {
				def.InitialState = s.Name
				break
			}
		}
	}
}

// withName injects a top level name when the document has none.
func withName(raw []byte, name string) []byte {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil || len(node.Content) == 0 {
		return raw
	}
	root := node.Content[0]
	if root.Kind != yaml.MappingNode {
		return raw
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "name" {
			return raw
		}
	}
	root.Content = append([]*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "name"},
		{Kind: yaml.ScalarNode, Value: name},
	}, root.Content...)
	out, err := yaml.Marshal(&node)
	if err != nil {
		return raw
	}
	return out
}

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
