package config

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/graphport/pkg/store"
	"github.com/OFFIS-RIT/graphport/pkg/store/dgraph"
	"github.com/OFFIS-RIT/graphport/pkg/store/neo4j"
	"github.com/OFFIS-RIT/graphport/pkg/store/pgx"
	"github.com/OFFIS-RIT/graphport/pkg/store/sqlite"
)

// OpenStore connects to the configured target.
func (c Config) OpenStore(ctx context.Context) (store.GraphStore, error) {
	if err := c.RequireTarget(); err != nil {
		return nil, err
	}
	switch c.Target {
	case TargetPostgres:
		return pgx.New(ctx, c.TargetURL, pgx.WithBatchSize(c.LoadBatchSize))
	case TargetSQLite:
		return sqlite.Open(ctx, c.TargetURL)
	case TargetNeo4j:
		return neo4j.Connect(ctx, c.TargetURL, c.Neo4jUser, c.Neo4jPassword, c.Neo4jDatabase,
			neo4j.WithBatchSize(c.LoadBatchSize))
	case TargetDgraph:
		return dgraph.New(dgraph.Params{
			AlphaHTTP: c.TargetURL,
			AlphaGRPC: c.DgraphGRPC,
			Zero:      c.DgraphZero,
			Bin:       c.DgraphBin,
			WorkDir:   c.DgraphWorkDir,
			Offline:   c.DgraphOffline,
			MapShards: c.Parallelism,
		})
	default:
		return nil, fmt.Errorf("unknown target %q", c.Target)
	}
}
