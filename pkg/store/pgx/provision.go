package pgx

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/OFFIS-RIT/graphport/pkg/augment"
)

// provisionStatements turns the markers of the schema into index DDL. Search
// markers whose tokenizers have no Postgres counterpart are returned as
// skipped.
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
		expr := fmt.Sprintf("(props->>%s)", quote(pred))
		where := "type = " + quote(m.Type)

		switch m.Intent {
		case augment.IntentUnique:
			if len(m.Args) == 1 {
				add(fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON graph_nodes (%s) WHERE %s",
					indexName("uq", pred), expr, where))
			}
		case augment.IntentSearch:
			unsupported := false
			for _, tok := range m.Args {
				switch tok {
				case "term":
					add(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON graph_nodes USING gin (to_tsvector('simple', %s)) WHERE %s",
						indexName("term", pred), expr, where))
				case "fulltext":
					add(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON graph_nodes USING gin (to_tsvector('english', %s)) WHERE %s",
						indexName("fts", pred), expr, where))
				case "trigram", "regexp":
					unsupported = true
				default:
					add(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON graph_nodes (%s) WHERE %s",
						indexName("eq", pred), expr, where))
				}
			}
			if unsupported {
				skipped = append(skipped, m)
			}
		}
	}
	return stmts, skipped
}

// indexName keeps generated names unique and below the identifier limit.
func indexName(kind, pred string) string {
	h := fnv.New64a()
	h.Write([]byte(pred))
	return fmt.Sprintf("gp_%s_%016x", kind, h.Sum64())
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
