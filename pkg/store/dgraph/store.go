// Package dgraph loads artifacts into Dgraph with its own tools: the bulk
// loader for an empty cluster and the live loader, upserting on xid, for a
// running one.
package dgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OFFIS-RIT/graphport/pkg/augment"
	"github.com/OFFIS-RIT/graphport/pkg/common"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

const (
	SchemaDQLFile     = "schema.dql"
	SchemaGraphQLFile = "schema.graphql"
)

type Params struct {
	// AlphaHTTP is the HTTP endpoint of an alpha, e.g. http://localhost:8080.
	AlphaHTTP string
	// AlphaGRPC is the gRPC address the live loader talks to.
	AlphaGRPC string
	Zero      string
	Bin       string
	// WorkDir holds the schema files and the xid map.
	WorkDir string
	// OutDir receives the posting directories of a bulk load.
	OutDir string
	// Offline means no alpha is running: state is read from OutDir and the
	// schema is only written to WorkDir.
	Offline    bool
	MapShards  int
	HTTPClient *http.Client
	Runner     Runner
}

type Store struct {
	p Params
}

func New(p Params) (*Store, error) {
	if p.Bin == "" {
		p.Bin = "dgraph"
	}
	if p.AlphaGRPC == "" {
		p.AlphaGRPC = "localhost:9080"
	}
	if p.Zero == "" {
		p.Zero = "localhost:5080"
	}
	if p.WorkDir == "" {
		return nil, errors.New("dgraph work dir is required")
	}
	if p.OutDir == "" {
		p.OutDir = filepath.Join(p.WorkDir, "out")
	}
	if p.MapShards <= 0 {
		p.MapShards = 1
	}
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if p.Runner == nil {
		p.Runner = ExecRunner{}
	}
	if !p.Offline && p.AlphaHTTP == "" {
		return nil, errors.New("dgraph alpha url is required unless offline")
	}
	if err := os.MkdirAll(p.WorkDir, 0o755); err != nil {
		return nil, err
	}
	p.AlphaHTTP = strings.TrimRight(p.AlphaHTTP, "/")
	return &Store{p: p}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) State(ctx context.Context) (store.State, error) {
	if s.p.Offline {
		entries, err := os.ReadDir(s.p.OutDir)
		if errors.Is(err, os.ErrNotExist) || (err == nil && len(entries) == 0) {
			return store.StateEmpty, nil
		}
		if err != nil {
			return store.StateEmpty, err
		}
		return store.StatePopulated, nil
	}

	var res struct {
		Q []struct {
			UID string `json:"uid"`
		} `json:"q"`
	}
	if err := s.query(ctx, `{ q(func: has(xid), first: 1) { uid } }`, nil, &res); err != nil {
		return store.StateEmpty, fmt.Errorf("read target state: %w", err)
	}
	if len(res.Q) > 0 {
		return store.StatePopulated, nil
	}
	return store.StateEmpty, nil
}

func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	var res struct {
		Types []struct {
			Groups []struct {
				Type  string `json:"dgraph.type"`
				Count int64  `json:"count"`
			} `json:"@groupby"`
		} `json:"types"`
	}
	if err := s.query(ctx, `{ types(func: has(xid)) @groupby(dgraph.type) { count(uid) } }`, nil, &res); err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, t := range res.Types {
		for _, g := range t.Groups {
			out[g.Type] += g.Count
		}
	}
	return out, nil
}

func (s *Store) Entity(ctx context.Context, xid string) (*store.Entity, error) {
	var res struct {
		Q []map[string]any `json:"q"`
	}
	q := `query q($xid: string) { q(func: eq(xid, $xid)) { dgraph.type expand(_all_) } }`
	if err := s.query(ctx, q, map[string]string{"$xid": xid}, &res); err != nil {
		return nil, err
	}
	if len(res.Q) == 0 {
		return nil, store.ErrEntityNotFound
	}
	e := &store.Entity{XID: xid, Props: map[string]any{}}
	for k, v := range res.Q[0] {
		switch k {
		case rdf.PredicateType:
			if types, ok := v.([]any); ok && len(types) > 0 {
				e.Type, _ = types[0].(string)
			}
		case rdf.PredicateXID, "uid":
		default:
			e.Props[k] = v
		}
	}
	return e, nil
}

// Provision writes the DQL and GraphQL schema documents into the work dir,
// where the bulk loader picks them up, and submits the GraphQL schema to a
// running alpha.
func (s *Store) Provision(ctx context.Context, schema *augment.Schema) error {
	if schema == nil {
		return errors.New("no schema to provision")
	}
	sdl := augment.RenderSDL(schema)
	if err := os.WriteFile(filepath.Join(s.p.WorkDir, SchemaDQLFile), augment.RenderDQL(schema), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.p.WorkDir, SchemaGraphQLFile), sdl, 0o644); err != nil {
		return err
	}
	if s.p.Offline {
		logger.Info("[Store][Dgraph] Schema written for bulk load", "dir", s.p.WorkDir)
		return nil
	}

	var res struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := s.post(ctx, "/admin/schema", "application/graphql", sdl, &res); err != nil {
		return fmt.Errorf("submit schema: %w", err)
	}
	logger.Info("[Store][Dgraph] Schema submitted", "code", res.Code)
	return nil
}

// BulkImport runs the bulk loader over every artifact. It needs a running
// zero and no running alpha; the posting directories land in OutDir.
func (s *Store) BulkImport(ctx context.Context, artifacts []rdf.ArtifactFile) error {
	state, err := s.State(ctx)
	if err != nil {
		return err
	}
	if state != store.StateEmpty {
		return store.ErrTargetNotEmpty
	}
	schemaFile := filepath.Join(s.p.WorkDir, SchemaDQLFile)
	if _, err := os.Stat(schemaFile); err != nil {
		return fmt.Errorf("%w: %s", store.ErrNotProvisioned, schemaFile)
	}

	files := make([]string, len(artifacts))
	for i, a := range artifacts {
		files[i] = a.Path
	}
	args := []string{
		"bulk",
		"-f", strings.Join(files, ","),
		"-s", schemaFile,
		"--format", "rdf",
		"--zero", s.p.Zero,
		"--out", s.p.OutDir,
		"--map_shards", fmt.Sprint(s.p.MapShards),
		"--store_xids",
		"--xidmap", filepath.Join(s.p.WorkDir, "xidmap"),
	}
	if _, err := os.Stat(filepath.Join(s.p.WorkDir, SchemaGraphQLFile)); err == nil {
		args = append(args, "-g", filepath.Join(s.p.WorkDir, SchemaGraphQLFile))
	}
	logger.Info("[Store][Dgraph] Running bulk loader", "artifacts", len(artifacts), "out", s.p.OutDir)
	return s.p.Runner.Run(ctx, s.p.Bin, args...)
}

// Upsert writes the batch to a temporary artifact and hands it to the live
// loader, which resolves every blank node through the xid predicate.
func (s *Store) Upsert(ctx context.Context, stmts []rdf.Statement) error {
	if len(stmts) == 0 {
		return nil
	}
	dir, err := os.MkdirTemp(s.p.WorkDir, "live-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	w, err := rdf.CreateArtifact(dir, "batch.rdf.gz", common.StageNodes, 0)
	if err != nil {
		return err
	}
	for _, st := range stmts {
		if err := w.Write(st); err != nil {
			w.Abort()
			return err
		}
	}
	if _, err := w.Close(); err != nil {
		return err
	}

	return s.p.Runner.Run(ctx, s.p.Bin,
		"live",
		"-f", filepath.Join(dir, "batch.rdf.gz"),
		"--format", "rdf",
		"--alpha", s.p.AlphaGRPC,
		"--zero", s.p.Zero,
		"--upsertPredicate", rdf.PredicateXID,
	)
}

func (s *Store) query(ctx context.Context, q string, vars map[string]string, out any) error {
	body, err := json.Marshal(map[string]any{"query": q, "variables": vars})
	if err != nil {
		return err
	}
	return s.post(ctx, "/query", "application/json", body, out)
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (s *Store) post(ctx context.Context, path, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.AlphaHTTP+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := s.p.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if len(r.Errors) > 0 {
		msgs := make([]string, len(r.Errors))
		for i, e := range r.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("%s: %s", path, strings.Join(msgs, "; "))
	}
	if out == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}
