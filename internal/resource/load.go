package resource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type file struct {
	Resources []Config `yaml:"resources"`
}

// UnmarshalYAML accepts either a mapping or a bare resource name.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*c = Config{Name: node.Value}
		return nil
	}
	type alias Config
	var a alias
	if err := node.Decode(&a); err != nil {
		return err
	}
	*c = Config(a)
	return nil
}

// Load decodes a resources document and builds a Registry. Unknown keys are
// rejected.
func Load(r io.Reader) (*Registry, error) {
	var f file
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse resources: %w", err)
	}
	return NewRegistry(f.Resources...)
}

func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resources file: %w", err)
	}
	return Load(bytes.NewReader(data))
}
