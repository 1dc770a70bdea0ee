package schema

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// KeysFile declares natural keys outside the source schema. It is needed when
// the schema comes from introspection, which does not carry directives.
//
//	types:
//	  Artifact:
//	    key: [algorithm, digest]
//	  Maintainer:
//	    key: [name]
//	    nfc: true
type KeysFile struct {
	Types map[string]KeyDecl `yaml:"types" json:"types"`
}

type KeyDecl struct {
	Key []string `yaml:"key" json:"key" jsonschema:"minItems=1"`
	// NFC normalizes key values before identities are derived.
	NFC bool `yaml:"nfc,omitempty" json:"nfc,omitempty"`
}

func LoadKeys(path string) (*KeysFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	var kf KeysFile
	if err := yaml.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("parse keys file %s: %w", path, err)
	}
	return &kf, nil
}

// Apply sets the declared keys on m. Naming an unknown type is an error; key
// fields are checked later by Classify.
func (kf *KeysFile) Apply(m *Model) error {
	names := make([]string, 0, len(kf.Types))
	for name := range kf.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		decl := kf.Types[name]
		if err := m.SetKeys(name, decl.Key); err != nil {
			return fmt.Errorf("keys file: %w", err)
		}
		m.Types[name].NormalizeKeys = decl.NFC
	}
	return nil
}
