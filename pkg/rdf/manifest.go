package rdf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OFFIS-RIT/graphport/pkg/common"
)

const ManifestFile = "manifest.json"

// ArtifactManifest describes one closed artifact. Types counts records, not
// statements.
type ArtifactManifest struct {
	Name       string           `json:"name" msgpack:"name"`
	Stage      common.Stage     `json:"stage" msgpack:"stage"`
	Types      map[string]int64 `json:"types" msgpack:"types"`
	Statements int64            `json:"statements" msgpack:"statements"`
	Bytes      int64            `json:"bytes" msgpack:"bytes"`
	SHA256     string           `json:"sha256" msgpack:"sha256"`
}

// ArtifactFile is an artifact on disk together with its manifest.
type ArtifactFile struct {
	Path     string
	Manifest ArtifactManifest
}

// RunManifest lists the artifacts of one extraction run in load order: every
// node artifact precedes every edge artifact.
type RunManifest struct {
	RunID     string             `json:"runId" msgpack:"run_id"`
	Source    string             `json:"source" msgpack:"source"`
	CreatedAt time.Time          `json:"createdAt" msgpack:"created_at"`
	Artifacts []ArtifactManifest `json:"artifacts" msgpack:"artifacts"`
}

// Files resolves the artifacts against the run directory.
func (m *RunManifest) Files(dir string) []ArtifactFile {
	out := make([]ArtifactFile, len(m.Artifacts))
	for i, a := range m.Artifacts {
		out[i] = ArtifactFile{Path: filepath.Join(dir, a.Name), Manifest: a}
	}
	return out
}

func WriteRunManifest(dir string, m *RunManifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, ManifestFile+".partial")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, ManifestFile))
}

func ReadRunManifest(dir string) (*RunManifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m RunManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest in %s: %w", dir, err)
	}
	return &m, nil
}

// OrderArtifacts merges the artifacts of several runs so that all node
// artifacts come first, each group keeping run order.
func OrderArtifacts(groups ...[]ArtifactFile) []ArtifactFile {
	var nodes, edges []ArtifactFile
	for _, g := range groups {
		for _, a := range g {
			if a.Manifest.Stage == common.StageEdges {
				edges = append(edges, a)
			} else {
				nodes = append(nodes, a)
			}
		}
	}
	return append(nodes, edges...)
}
