package cli

import (
	"context"
	"errors"

	"github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/graphport/internal/config"
	"github.com/OFFIS-RIT/graphport/internal/queue"
	"github.com/OFFIS-RIT/graphport/internal/server"
	mid "github.com/OFFIS-RIT/graphport/internal/server/middleware"
	"github.com/OFFIS-RIT/graphport/internal/storage"
	"github.com/OFFIS-RIT/graphport/pkg/graph"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

var ErrNoRabbitMQ = errors.New("RABBITMQ_URL is not set")

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve run reports, target counts and queued loads over HTTP",
		Long: `Serve starts the status server on --status-addr. Target routes need a
reachable target, POST /api/loads needs RABBITMQ_URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.Config
			ctx := cmd.Context()

			var target store.GraphStore
			if c.RequireTarget() == nil {
				s, err := c.OpenStore(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "open target "+c.Target, err)
				}
				defer s.Close()
				target = s
			} else {
				logger.Warn("[CLI] No target configured, graph routes are disabled")
			}

			var ch queue.Channel
			if c.RabbitMQURL != "" {
				conn, err := queue.Init(c.RabbitMQURL)
				if err != nil {
					return WrapExitError(ExitCommandError, "rabbitmq", err)
				}
				defer conn.Close()
				ach, err := openLoadChannel(conn)
				if err != nil {
					return WrapExitError(ExitCommandError, "rabbitmq", err)
				}
				defer ach.Close()
				ch = ach
			}

			e, err := server.New(ctx, statusParams(c, nil, target, ch))
			if err != nil {
				return WrapExitError(ExitCommandError, "status server", err)
			}
			if err := server.Run(ctx, e, c.StatusAddr); err != nil {
				return WrapExitError(ExitFailure, "status server", err)
			}
			return nil
		},
	}
}

func NewWorkerCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume load requests from RabbitMQ and load them into the target",
		Long: `Worker takes load requests from load_queue one at a time. Runs missing in
--output-dir are fetched from ARCHIVE_BUCKET. Every attempt is reported on
the graphport_reports exchange; failed requests are retried and end in
load_queue_dlq.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.Config
			ctx := cmd.Context()
			if c.RabbitMQURL == "" {
				return WrapExitError(ExitCommandError, "worker", ErrNoRabbitMQ)
			}
			if err := c.RequireTarget(); err != nil {
				return WrapExitError(ExitCommandError, "worker", err)
			}

			target, err := c.OpenStore(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "open target "+c.Target, err)
			}
			defer target.Close()

			h := &queue.Handler{
				Loader:  graph.NewGraphClient(c.GraphParams()),
				Store:   target,
				Target:  c.Target,
				RunsDir: c.OutputDir,
			}
			if c.ArchiveBucket != "" {
				client, err := storage.NewS3Client(ctx, c.S3Params())
				if err != nil {
					return WrapExitError(ExitCommandError, "archive", err)
				}
				h.Archive = client
				h.Bucket = c.ArchiveBucket
			}

			conn, err := queue.Init(c.RabbitMQURL)
			if err != nil {
				return WrapExitError(ExitCommandError, "rabbitmq", err)
			}
			defer conn.Close()

			if err := queue.Consume(ctx, conn, h); err != nil {
				return WrapExitError(ExitFailure, "worker", err)
			}
			logger.Info("[CLI] Shutdown signal received, exiting")
			return nil
		},
	}
}

func openLoadChannel(conn *amqp091.Connection) (*amqp091.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := queue.SetupQueues(ch, []string{queue.LoadQueue}); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

func statusParams(c config.Config, progress mid.ProgressSource, target store.GraphStore, ch queue.Channel) server.Params {
	return server.Params{
		RunsDir:  c.OutputDir,
		Progress: progress,
		Store:    target,
		Queue:    ch,
		Target:   c.Target,
		APIKey:   c.StatusAPIKey,
		AuthURL:  c.AuthURL,
	}
}

// startStatus serves the status routes next to an extraction. The returned
// function stops the server and waits for it.
func startStatus(cmd *cobra.Command, opts *RootOptions, client *graph.GraphClient, target store.GraphStore) (func(), error) {
	ctx, cancel := context.WithCancel(cmd.Context())
	e, err := server.New(ctx, statusParams(opts.Config, client, target, nil))
	if err != nil {
		cancel()
		return nil, WrapExitError(ExitCommandError, "status server", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Run(ctx, e, opts.Config.StatusAddr); err != nil {
			logger.Error("[CLI] Status server stopped", "err", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}
