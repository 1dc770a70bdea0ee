package schema

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/OFFIS-RIT/graphport/pkg/logger"
)

var (
	ErrNoSchema    = errors.New("no schema available from introspection or schema file")
	ErrUnknownType = errors.New("unknown type")
)

type AcquireParams struct {
	URL   string
	Token string
	// Introspection is false when the source forbids it.
	Introspection bool
	SchemaFile    string
	KeysFile      string
	HTTPClient    *http.Client
}

// Acquire builds the schema model of a source. Introspection is tried first
// when enabled; the static schema file is the fallback. Failing both is fatal.
func Acquire(ctx context.Context, params AcquireParams) (*Model, error) {
	log := logger.WithPrefix("Schema")

	var (
		m    *Model
		errs []error
	)
	if params.Introspection && params.URL != "" {
		var err error
		m, err = Introspect(ctx, params.HTTPClient, params.URL, params.Token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("Introspection failed, falling back to schema file", "url", params.URL, "err", err)
			errs = append(errs, err)
			m = nil
		}
	}

	switch {
	case m == nil && params.SchemaFile != "":
		file, err := parseSchemaFile(params.SchemaFile)
		if err != nil {
			errs = append(errs, err)
		} else {
			m = file
		}
	case m != nil && params.SchemaFile != "" && !m.HasKeys():
		// Introspection carries no directives. Without _service the key
		// declarations can only come from the schema file.
		file, err := parseSchemaFile(params.SchemaFile)
		if err != nil {
			return nil, err
		}
		n := mergeKeys(m, file)
		log.Info("Natural keys taken from schema file", "file", params.SchemaFile, "types", n)
	}

	if m == nil {
		return nil, errors.Join(append([]error{ErrNoSchema}, errs...)...)
	}

	if params.KeysFile != "" {
		kf, err := LoadKeys(params.KeysFile)
		if err != nil {
			return nil, err
		}
		if err := kf.Apply(m); err != nil {
			return nil, err
		}
	}

	log.Info("Schema acquired", "origin", m.Origin, "types", len(m.Types))
	return m, nil
}

func parseSchemaFile(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return ParseSDL(filepath.Base(path), string(raw))
}

// mergeKeys copies the key declarations of src onto the types of dst with the
// same name and returns how many types received one.
func mergeKeys(dst, src *Model) int {
	n := 0
	for name, t := range src.Types {
		target, ok := dst.Types[name]
		if !ok || (len(t.Keys) == 0 && t.KeyErr == "") {
			continue
		}
		target.Keys, target.KeyErr = t.Keys, t.KeyErr
		n++
	}
	return n
}
