// Package config builds the one Config value a graphport process runs with.
// It is read from the environment once at startup, overridden by command line
// flags and validated before anything is constructed from it.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator"

	"github.com/OFFIS-RIT/graphport/internal/storage"
	"github.com/OFFIS-RIT/graphport/internal/util"
	"github.com/OFFIS-RIT/graphport/pkg/graph"
)

const (
	TargetDgraph   = "dgraph"
	TargetPostgres = "postgres"
	TargetSQLite   = "sqlite"
	TargetNeo4j    = "neo4j"
)

var (
	ErrNoSource    = errors.New("no source url configured")
	ErrNoSchema    = errors.New("introspection disabled and no schema file configured")
	ErrNoTargetURL = errors.New("no target url configured")
)

type Config struct {
	SourceURL     string `validate:"omitempty,url"`
	SourceToken   string
	SourceName    string
	Introspection bool
	SchemaFile    string
	KeysFile      string
	QueryDir      string `validate:"required"`
	RulesFile     string
	OutputDir     string `validate:"required"`

	Parallelism        int `validate:"gte=1"`
	PageSize           int `validate:"gte=1"`
	QueueSize          int `validate:"gte=1"`
	FlushBytes         int `validate:"gte=0"`
	MaxAttempts        int `validate:"gte=1"`
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	MaxRateLimitPauses int     `validate:"gte=0"`
	RateLimit          float64 `validate:"gte=0"`
	RequestTimeout     time.Duration

	Target         string `validate:"required,oneof=dgraph postgres sqlite neo4j"`
	TargetURL      string
	DgraphBin      string
	DgraphZero     string
	DgraphGRPC     string
	DgraphWorkDir  string
	DgraphOffline  bool
	Neo4jUser      string
	Neo4jPassword  string
	Neo4jDatabase  string
	LoadBatchSize  int `validate:"gte=1"`
	LoadMaxAttempt int `validate:"gte=1"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`

	ArchiveBucket string
	AWSRegion     string
	AWSEndpoint   string
	AWSAccessKey  string
	AWSSecretKey  string
	RabbitMQURL   string `validate:"omitempty,url"`
	StatusAddr    string
	StatusAPIKey  string
	AuthURL       string `validate:"omitempty,url"`
}

// FromEnv reads every setting from the environment, falling back to defaults.
func FromEnv() Config {
	outputDir := util.GetEnvString("GRAPHPORT_OUTPUT_DIR", "runs")
	return Config{
		SourceURL:     util.GetEnv("GRAPHPORT_SOURCE_URL"),
		SourceToken:   util.GetEnv("GRAPHPORT_SOURCE_TOKEN"),
		SourceName:    util.GetEnv("GRAPHPORT_SOURCE_NAME"),
		Introspection: util.GetEnvBool("GRAPHPORT_INTROSPECTION", true),
		SchemaFile:    util.GetEnv("GRAPHPORT_SCHEMA_FILE"),
		KeysFile:      util.GetEnv("GRAPHPORT_KEYS_FILE"),
		QueryDir:      util.GetEnvString("GRAPHPORT_QUERY_DIR", "queries"),
		RulesFile:     util.GetEnv("GRAPHPORT_RULES_FILE"),
		OutputDir:     outputDir,

		Parallelism:        util.GetEnvInt("GRAPHPORT_PARALLELISM", runtime.NumCPU()),
		PageSize:           util.GetEnvInt("GRAPHPORT_PAGE_SIZE", 500),
		QueueSize:          util.GetEnvInt("GRAPHPORT_QUEUE_SIZE", 64),
		FlushBytes:         util.GetEnvInt("GRAPHPORT_FLUSH_BYTES", 4<<20),
		MaxAttempts:        util.GetEnvInt("GRAPHPORT_MAX_ATTEMPTS", 3),
		BackoffBase:        util.GetEnvDuration("GRAPHPORT_BACKOFF_BASE", 500*time.Millisecond),
		BackoffMax:         util.GetEnvDuration("GRAPHPORT_BACKOFF_MAX", 30*time.Second),
		MaxRateLimitPauses: util.GetEnvInt("GRAPHPORT_MAX_RATE_LIMIT_PAUSES", 10),
		RateLimit:          util.GetEnvFloat("GRAPHPORT_RATE_LIMIT", 0),
		RequestTimeout:     util.GetEnvDuration("GRAPHPORT_REQUEST_TIMEOUT", time.Minute),

		Target:         strings.ToLower(util.GetEnvString("GRAPHPORT_TARGET", TargetDgraph)),
		TargetURL:      util.GetEnv("GRAPHPORT_TARGET_URL"),
		DgraphBin:      util.GetEnvString("GRAPHPORT_DGRAPH_BIN", "dgraph"),
		DgraphZero:     util.GetEnvString("GRAPHPORT_DGRAPH_ZERO", "localhost:5080"),
		DgraphGRPC:     util.GetEnvString("GRAPHPORT_DGRAPH_GRPC", "localhost:9080"),
		DgraphWorkDir:  util.GetEnvString("GRAPHPORT_DGRAPH_WORK_DIR", filepath.Join(outputDir, "dgraph")),
		DgraphOffline:  util.GetEnvBool("GRAPHPORT_DGRAPH_OFFLINE", false),
		Neo4jUser:      util.GetEnvString("GRAPHPORT_NEO4J_USER", "neo4j"),
		Neo4jPassword:  util.GetEnv("GRAPHPORT_NEO4J_PASSWORD"),
		Neo4jDatabase:  util.GetEnv("GRAPHPORT_NEO4J_DATABASE"),
		LoadBatchSize:  util.GetEnvInt("GRAPHPORT_LOAD_BATCH_SIZE", 1000),
		LoadMaxAttempt: util.GetEnvInt("GRAPHPORT_LOAD_MAX_ATTEMPTS", 3),

		LogLevel:  strings.ToLower(util.GetEnvString("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(util.GetEnvString("LOG_FORMAT", "text")),

		ArchiveBucket: util.GetEnv("ARCHIVE_BUCKET"),
		AWSRegion:     util.GetEnvString("AWS_REGION", "us-east-1"),
		AWSEndpoint:   util.GetEnv("AWS_ENDPOINT"),
		AWSAccessKey:  util.GetEnv("AWS_ACCESS_KEY"),
		AWSSecretKey:  util.GetEnv("AWS_SECRET_KEY"),
		RabbitMQURL:   util.GetEnv("RABBITMQ_URL"),
		StatusAddr:    util.GetEnvString("STATUS_ADDR", ":8080"),
		StatusAPIKey:  util.GetEnv("STATUS_API_KEY"),
		AuthURL:       util.GetEnv("AUTH_URL"),
	}
}

// Validate checks the struct tags and the settings every command needs.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s fails %q", fe.Field(), fe.Tag())
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Introspection && c.SchemaFile == "" {
		return ErrNoSchema
	}
	return nil
}

// RequireSource reports whether the source can be reached.
func (c Config) RequireSource() error {
	if c.SourceURL == "" {
		return ErrNoSource
	}
	return nil
}

// RequireTarget reports whether the configured target can be opened.
func (c Config) RequireTarget() error {
	if c.Target == TargetDgraph && c.DgraphOffline {
		return nil
	}
	if c.TargetURL == "" {
		return fmt.Errorf("%w for %s", ErrNoTargetURL, c.Target)
	}
	return nil
}

// S3Params maps the AWS settings onto the archive client.
func (c Config) S3Params() storage.S3Params {
	return storage.S3Params{
		Region:    c.AWSRegion,
		Endpoint:  c.AWSEndpoint,
		AccessKey: c.AWSAccessKey,
		SecretKey: c.AWSSecretKey,
	}
}

// GraphParams maps the configuration onto the migration client.
func (c Config) GraphParams() graph.NewGraphClientParams {
	return graph.NewGraphClientParams{
		SourceURL:          c.SourceURL,
		SourceToken:        c.SourceToken,
		SourceName:         c.SourceName,
		Introspection:      c.Introspection,
		SchemaFile:         c.SchemaFile,
		KeysFile:           c.KeysFile,
		QueryDir:           c.QueryDir,
		RulesFile:          c.RulesFile,
		OutputDir:          c.OutputDir,
		Parallelism:        c.Parallelism,
		PageSize:           c.PageSize,
		QueueSize:          c.QueueSize,
		FlushBytes:         c.FlushBytes,
		MaxAttempts:        c.MaxAttempts,
		BackoffBase:        c.BackoffBase,
		BackoffMax:         c.BackoffMax,
		MaxRateLimitPauses: c.MaxRateLimitPauses,
		RateLimit:          c.RateLimit,
		RequestTimeout:     c.RequestTimeout,
		LoadBatchSize:      c.LoadBatchSize,
		LoadMaxAttempts:    c.LoadMaxAttempt,
	}
}
