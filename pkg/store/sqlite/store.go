// Package sqlite is an embedded graph target on SQLite, with the same layout
// as the Postgres target. Properties are merged with json_patch.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/OFFIS-RIT/graphport/pkg/augment"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db        *sql.DB
	batchSize int
}

// Open opens or creates the database file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, batchSize: 2000}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) State(ctx context.Context) (store.State, error) {
	var populated bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM graph_nodes)`).Scan(&populated); err != nil {
		return store.StateEmpty, fmt.Errorf("read target state: %w", err)
	}
	if populated {
		return store.StatePopulated, nil
	}
	return store.StateEmpty, nil
}

func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, count(*) FROM graph_nodes GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// EdgeCount returns the number of stored references.
func (s *Store) EdgeCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM graph_edges`).Scan(&n)
	return n, err
}

func (s *Store) Entity(ctx context.Context, xid string) (*store.Entity, error) {
	e := &store.Entity{XID: xid}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT type, props FROM graph_nodes WHERE xid = ?`, xid).Scan(&e.Type, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &e.Props); err != nil {
		return nil, fmt.Errorf("decode %s: %w", xid, err)
	}
	return e, nil
}

func (s *Store) Upsert(ctx context.Context, stmts []rdf.Statement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := writeBatch(ctx, tx, stmts); err != nil {
		return err
	}
	return tx.Commit()
}

func writeBatch(ctx context.Context, tx *sql.Tx, stmts []rdf.Statement) error {
	nodes, edges := store.GroupBySubject(stmts)

	nodeStmt, err := tx.PrepareContext(ctx, upsertNodeSQL)
	if err != nil {
		return err
	}
	defer nodeStmt.Close()
	for _, n := range nodes {
		raw, err := json.Marshal(n.Props)
		if err != nil {
			return fmt.Errorf("encode %s: %w", n.XID, err)
		}
		if _, err := nodeStmt.ExecContext(ctx, string(n.XID), n.Type, string(raw)); err != nil {
			return fmt.Errorf("upsert %s: %w", n.XID, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, insertEdgeSQL)
	if err != nil {
		return err
	}
	defer edgeStmt.Close()
	for _, e := range edges {
		if _, err := edgeStmt.ExecContext(ctx, string(e.Subject), e.Predicate, string(e.Object)); err != nil {
			return fmt.Errorf("insert edge %s %s: %w", e.Subject, e.Predicate, err)
		}
	}
	return nil
}

// BulkImport writes every artifact in a single transaction.
func (s *Store) BulkImport(ctx context.Context, artifacts []rdf.ArtifactFile) error {
	state, err := s.State(ctx)
	if err != nil {
		return err
	}
	if state != store.StateEmpty {
		return store.ErrTargetNotEmpty
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range artifacts {
		logger.Info("[Store][SQLite] Bulk importing artifact", "name", a.Manifest.Name, "statements", a.Manifest.Statements)
		err := store.StreamBatches(a, s.batchSize, func(batch []rdf.Statement) error {
			return writeBatch(ctx, tx, batch)
		})
		if err != nil {
			return fmt.Errorf("bulk import %s: %w", a.Manifest.Name, err)
		}
	}
	return tx.Commit()
}

// Provision creates expression indexes for the equality markers. SQLite has
// no text search index on expressions, so term, fulltext and trigram markers
// are skipped with a warning.
func (s *Store) Provision(ctx context.Context, schema *augment.Schema) error {
	if schema == nil {
		return errors.New("no schema to provision")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts, skipped := provisionStatements(schema)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("provision: %s: %w", stmt, err)
		}
	}
	for _, m := range skipped {
		logger.Warn("[Store][SQLite] Search tokenizer not supported, skipping", "type", m.Type, "field", m.Field, "by", m.Args)
	}
	if _, err := tx.ExecContext(ctx, saveSchemaSQL, string(augment.RenderSDL(schema)), string(augment.RenderDQL(schema))); err != nil {
		return fmt.Errorf("save schema: %w", err)
	}
	logger.Info("[Store][SQLite] Provisioned", "indexes", len(stmts), "skipped", len(skipped))
	return tx.Commit()
}

func provisionStatements(schema *augment.Schema) ([]string, []augment.Marker) {
	var stmts []string
	var skipped []augment.Marker
	seen := map[string]bool{}
	add := func(stmt string) {
		if !seen[stmt] {
			seen[stmt] = true
			stmts = append(stmts, stmt)
		}
	}
	for _, m := range schema.Markers() {
		if m.Field == "" || m.Field == augment.XIDField {
			continue
		}
		pred := m.Type + "." + m.Field
		expr := fmt.Sprintf(`json_extract(props, '$."%s"')`, pred)
		where := "type = '" + strings.ReplaceAll(m.Type, "'", "''") + "'"
		switch m.Intent {
		case augment.IntentUnique:
			if len(m.Args) == 1 {
				add(fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON graph_nodes (%s) WHERE %s", indexName("uq", pred), expr, where))
			}
		case augment.IntentSearch:
			if hasEquality(m.Args) {
				add(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON graph_nodes (%s) WHERE %s", indexName("eq", pred), expr, where))
			}
			if hasText(m.Args) {
				skipped = append(skipped, m)
			}
		}
	}
	return stmts, skipped
}

func hasEquality(tokens []string) bool {
	for _, tok := range tokens {
		if !isText(tok) {
			return true
		}
	}
	return false
}

func hasText(tokens []string) bool {
	for _, tok := range tokens {
		if isText(tok) {
			return true
		}
	}
	return false
}

func isText(tok string) bool {
	switch tok {
	case "term", "fulltext", "trigram", "regexp":
		return true
	}
	return false
}

func indexName(kind, pred string) string {
	h := fnv.New64a()
	h.Write([]byte(pred))
	return fmt.Sprintf("gp_%s_%016x", kind, h.Sum64())
}

// IndexNames lists the indexes created by Provision.
func (s *Store) IndexNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'gp\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

const upsertNodeSQL = `
INSERT INTO graph_nodes (xid, type, props) VALUES (?, ?, ?)
ON CONFLICT (xid) DO UPDATE
SET type  = COALESCE(NULLIF(excluded.type, ''), graph_nodes.type),
    props = json_patch(graph_nodes.props, excluded.props)`

const insertEdgeSQL = `
INSERT INTO graph_edges (subject, predicate, object) VALUES (?, ?, ?)
ON CONFLICT DO NOTHING`

const saveSchemaSQL = `
INSERT INTO graph_schema (id, sdl, dql) VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET sdl = excluded.sdl, dql = excluded.dql, provisioned_at = datetime('now')`
