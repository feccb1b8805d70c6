package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// InjectIDs fills every blank instance and strategy id in the config file with a
// fresh UUID and rewrites the file in place. Comments and key order are preserved.
// Returns the number of ids written.
func InjectIDs(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat config file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read config file: %w", err)
	}

	out, n, err := injectIDs(data, func() string { return uuid.NewString() })
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if err := os.WriteFile(path, out, info.Mode().Perm()); err != nil {
		return 0, fmt.Errorf("failed to write config file: %w", err)
	}
	return n, nil
}

func injectIDs(data []byte, newID func() string) ([]byte, int, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("failed to parse config file: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, 0, fmt.Errorf("config file is empty")
	}

	root := doc.Content[0]
	instances := mappingValue(root, "instances")
	if instances == nil || instances.Kind != yaml.SequenceNode {
		return nil, 0, fmt.Errorf("config file has no instances list")
	}

	n := 0
	for _, inst := range instances.Content {
		if inst.Kind != yaml.MappingNode {
			continue
		}
		if ensureID(inst, newID) {
			n++
		}
		strategies := mappingValue(inst, "strategies")
		if strategies == nil || strategies.Kind != yaml.SequenceNode {
			continue
		}
		for _, s := range strategies.Content {
			if s.Kind == yaml.MappingNode && ensureID(s, newID) {
				n++
			}
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, 0, fmt.Errorf("failed to encode config file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), n, nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// ensureID sets a blank or missing "id" key. Reports whether it wrote one.
func ensureID(m *yaml.Node, newID func() string) bool {
	if v := mappingValue(m, "id"); v != nil {
		if v.Kind != yaml.ScalarNode || (v.Value != "" && v.Tag != "!!null") {
			return false
		}
		v.Kind = yaml.ScalarNode
		v.Tag = "!!str"
		v.Style = 0
		v.Value = newID()
		return true
	}

	m.Content = append([]*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "id"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: newID()},
	}, m.Content...)
	return true
}
