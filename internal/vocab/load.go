package vocab

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML override. Sections left out of the document keep the builtin content.
func Parse(data []byte) (Tables, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Tables{}, fmt.Errorf("decode vocabulary: %w", err)
	}
	if len(f.Categories) == 0 {
		f.Categories = BuiltinCategories()
	}
	if len(f.Controls) == 0 {
		f.Controls = BuiltinControls()
	}

	v, err := NewVocabulary(f.Categories)
	if err != nil {
		return Tables{}, err
	}
	c, err := NewControlTable(f.Controls)
	if err != nil {
		return Tables{}, err
	}
	return Tables{Vocabulary: v, Controls: c}, nil
}

// LoadFile reads and compiles a vocabulary file. An empty path yields the builtin tables.
func LoadFile(path string) (Tables, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("read vocabulary file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return Tables{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
