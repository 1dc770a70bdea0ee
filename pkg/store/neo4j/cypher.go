package neo4j

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/graphport/pkg/augment"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

// EntityLabel is carried by every node next to its type label.
const EntityLabel = "Entity"

// query is one parameterised statement.
type query struct {
	Cypher string
	Params map[string]any
}

func quoteName(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// upsertQueries builds one node statement per type label and one edge
// statement per predicate. Nodes come first so edges find their subjects.
func upsertQueries(nodes []store.NodeUpsert, edges []store.EdgeUpsert) []query {
	var out []query

	byType := map[string][]map[string]any{}
	var types []string
	for _, n := range nodes {
		if _, ok := byType[n.Type]; !ok {
			types = append(types, n.Type)
		}
		byType[n.Type] = append(byType[n.Type], map[string]any{
			"xid":   string(n.XID),
			"props": n.Props,
		})
	}
	slices.Sort(types)
	for _, typ := range types {
		set := "SET n += row.props"
		if typ != "" {
			set += ", n:" + quoteName(typ)
		}
		out = append(out, query{
			Cypher: fmt.Sprintf("UNWIND $rows AS row\nMERGE (n:%s {xid: row.xid})\n%s", EntityLabel, set),
			Params: map[string]any{"rows": byType[typ]},
		})
	}

	byPred := map[string][]map[string]any{}
	var preds []string
	for _, e := range edges {
		if _, ok := byPred[e.Predicate]; !ok {
			preds = append(preds, e.Predicate)
		}
		byPred[e.Predicate] = append(byPred[e.Predicate], map[string]any{
			"s": string(e.Subject),
			"o": string(e.Object),
		})
	}
	slices.Sort(preds)
	for _, pred := range preds {
		out = append(out, query{
			Cypher: fmt.Sprintf("UNWIND $rows AS row\nMERGE (s:%[1]s {xid: row.s})\nMERGE (o:%[1]s {xid: row.o})\nMERGE (s)-[:%[2]s]->(o)",
				EntityLabel, quoteName(pred)),
			Params: map[string]any{"rows": byPred[pred]},
		})
	}
	return out
}

// provisionStatements maps markers to constraints and indexes. Term and
// fulltext search share a fulltext index; trigram and regexp use a text
// index.
func provisionStatements(schema *augment.Schema) []string {
	stmts := []string{
		fmt.Sprintf("CREATE CONSTRAINT gp_xid IF NOT EXISTS FOR (n:%s) REQUIRE n.xid IS UNIQUE", EntityLabel),
	}
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
		label, prop := quoteName(m.Type), "n."+quoteName(pred)
		switch m.Intent {
		case augment.IntentUnique:
			if len(m.Args) == 1 {
				add(fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE %s IS UNIQUE", indexName("uq", pred), label, prop))
			}
		case augment.IntentSearch:
			for _, tok := range m.Args {
				switch tok {
				case "term", "fulltext":
					add(fmt.Sprintf("CREATE FULLTEXT INDEX %s IF NOT EXISTS FOR (n:%s) ON EACH [%s]", indexName("fts", pred), label, prop))
				case "trigram", "regexp":
					add(fmt.Sprintf("CREATE TEXT INDEX %s IF NOT EXISTS FOR (n:%s) ON (%s)", indexName("txt", pred), label, prop))
				default:
					add(fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (%s)", indexName("eq", pred), label, prop))
				}
			}
		}
	}
	return stmts
}

func indexName(kind, pred string) string {
	h := fnv.New64a()
	h.Write([]byte(pred))
	return fmt.Sprintf("gp_%s_%016x", kind, h.Sum64())
}
