package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type definitionsFile struct {
	Workflows []FileDefinition `yaml:"workflows"`
}

// ParseDefinitions decodes a YAML definitions document. Unknown keys are
// rejected so typos fail at startup.
func ParseDefinitions(data []byte) ([]FileDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file definitionsFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	return file.Workflows, nil
}

// LoadDefinitionsFile reads definitions from path.
func LoadDefinitionsFile(path string) ([]FileDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// Boot registers defs in order, then freezes the registry.
func Boot(r *Registry, defs ...[]FileDefinition) error {
	for _, group := range defs {
		for _, fd := range group {
			def, err := fd.Build()
			if err != nil {
				return err
			}
			if err := r.Register(def); err != nil {
				return err
			}
		}
	}
	return r.Freeze()
}
