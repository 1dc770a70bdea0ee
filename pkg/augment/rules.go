package augment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// SearchRule asks for a search index on one field. An empty By picks the
// default tokenizer of the field's type.
type SearchRule struct {
	Type  string   `yaml:"type" json:"type" jsonschema:"required,description=Object type the field belongs to"`
	Field string   `yaml:"field" json:"field" jsonschema:"required"`
	By    []string `yaml:"by,omitempty" json:"by,omitempty" jsonschema:"description=Tokenizers such as term or fulltext or exact or hash or trigram"`
}

// FederationRule marks fields of a type as its federation key.
type FederationRule struct {
	Type   string   `yaml:"type" json:"type" jsonschema:"required"`
	Fields []string `yaml:"fields" json:"fields" jsonschema:"required,minItems=1"`
}

// Rules is the declarative augmentation configuration. Uniqueness markers are
// not configured here; they follow from the natural keys of the schema.
type Rules struct {
	Search     []SearchRule     `yaml:"search,omitempty" json:"search,omitempty"`
	Federation []FederationRule `yaml:"federation,omitempty" json:"federation,omitempty"`
}

func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	r, err := ParseRules(raw)
	if err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return r, nil
}

// ParseRules decodes a YAML rules document. Unknown keys are rejected.
func ParseRules(raw []byte) (*Rules, error) {
	var r Rules
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &r, nil
}

// RulesJSONSchema returns the JSON Schema of the rules document for editor
// tooling.
func RulesJSONSchema() ([]byte, error) {
	r := &jsonschema.Reflector{ExpandedStruct: true}
	s := r.Reflect(&Rules{})
	s.Title = "graphport augmentation rules"
	return json.MarshalIndent(s, "", "  ")
}
