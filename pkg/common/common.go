package common

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Stage is one of the two extraction stages. Every Node statement of a run is
// written before any Edge statement, so Stage also orders artifacts.
type Stage int

const (
	StageNodes Stage = iota
	StageEdges
)

func (s Stage) String() string {
	switch s {
	case StageNodes:
		return "nodes"
	case StageEdges:
		return "edges"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ParseStage is the inverse of Stage.String.
func ParseStage(s string) (Stage, error) {
	switch s {
	case "nodes":
		return StageNodes, nil
	case "edges":
		return StageEdges, nil
	}
	return 0, fmt.Errorf("unknown stage %q", s)
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Record is one instance of a source type as returned by a list query.
//
// Fields holds the decoded JSON object. Numbers are kept as json.Number so
// that key components are formatted exactly as the source sent them; nested
// objects are map[string]any and lists are []any.
type Record struct {
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`
}

// Batch is one page of records for a single type, handed from an extraction
// worker to the serializer.
type Batch struct {
	Stage   Stage    `json:"stage"`
	Type    string   `json:"type"`
	Records []Record `json:"records"`
}

// DecodeRecords decodes a JSON array of objects into records of the given
// type, preserving number literals.
func DecodeRecords(typeName string, raw json.RawMessage) ([]Record, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var objs []map[string]any
	if err := dec.Decode(&objs); err != nil {
		return nil, fmt.Errorf("decode %s records: %w", typeName, err)
	}
	records := make([]Record, 0, len(objs))
	for _, obj := range objs {
		if obj == nil {
			continue
		}
		records = append(records, Record{Type: typeName, Fields: obj})
	}
	return records, nil
}
