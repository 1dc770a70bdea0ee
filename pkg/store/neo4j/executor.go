package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// RunFunc runs one statement inside a transaction and discards its result.
type RunFunc func(ctx context.Context, query string, params map[string]any) error

// Executor runs Cypher against a database. Run uses an implicit transaction;
// Write groups several statements into one write transaction.
type Executor interface {
	Run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error)
	Write(ctx context.Context, fn func(run RunFunc) error) error
}

// DriverExecutor is the Executor backed by the official driver.
type DriverExecutor struct {
	Driver neo4j.DriverWithContext
	DBName string
}

func NewDriverExecutor(uri, username, password, dbName string) (*DriverExecutor, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("could not create neo4j driver: %w", err)
	}
	return &DriverExecutor{Driver: driver, DBName: dbName}, nil
}

func (e *DriverExecutor) Verify(ctx context.Context) error {
	return e.Driver.VerifyConnectivity(ctx)
}

func (e *DriverExecutor) Run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(ctx, e.Driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(e.DBName),
	)
	if err != nil {
		return nil, fmt.Errorf("error executing neo4j query: %w", err)
	}
	return result, nil
}

func (e *DriverExecutor) Write(ctx context.Context, fn func(run RunFunc) error) error {
	session := e.Driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: e.DBName,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(func(ctx context.Context, query string, params map[string]any) error {
			res, err := tx.Run(ctx, query, params)
			if err != nil {
				return err
			}
			_, err = res.Consume(ctx)
			return err
		})
	})
	return err
}

func (e *DriverExecutor) Close(ctx context.Context) error {
	return e.Driver.Close(ctx)
}
