package store

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/graphport/pkg/augment"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
)

var (
	ErrTargetNotEmpty  = errors.New("target store is not empty")
	ErrNotProvisioned  = errors.New("target store is not provisioned")
	ErrUnsupportedPath = errors.New("load path not supported by target")
	ErrEntityNotFound  = errors.New("entity not found")
)

// State is what the load orchestrator needs to know about a target before it
// picks a load path.
type State int

const (
	StateEmpty State = iota
	StatePopulated
)

func (s State) String() string {
	if s == StatePopulated {
		return "populated"
	}
	return "empty"
}

// GraphStore is a target the artifacts of a run are loaded into. Every write
// is keyed by canonical identity, so repeating a write is harmless.
type GraphStore interface {
	State(ctx context.Context) (State, error)
	// BulkImport loads artifacts into an empty target as one operation. It
	// fails with ErrTargetNotEmpty when the target holds data.
	BulkImport(ctx context.Context, artifacts []rdf.ArtifactFile) error
	// Upsert merges a batch of statements. Statements of one subject must not
	// be split across batches.
	Upsert(ctx context.Context, stmts []rdf.Statement) error
	// Provision applies the augmented schema: uniqueness constraints and
	// search indexes.
	Provision(ctx context.Context, schema *augment.Schema) error
	Close() error
}

// Counter is implemented by stores that can count entities per type.
type Counter interface {
	Counts(ctx context.Context) (map[string]int64, error)
}

// Locker is implemented by stores that can keep concurrent loads out.
type Locker interface {
	Lock(ctx context.Context) (release func(), err error)
}

// Entity is one stored node with its literal properties, keyed by predicate.
type Entity struct {
	XID   string         `json:"xid"`
	Type  string         `json:"type"`
	Props map[string]any `json:"props"`
}

// Inspector is implemented by stores that can look up a single entity by
// canonical identity.
type Inspector interface {
	Entity(ctx context.Context, xid string) (*Entity, error)
}
