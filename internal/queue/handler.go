package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/graphport/internal/storage"
	"github.com/OFFIS-RIT/graphport/internal/util"
	"github.com/OFFIS-RIT/graphport/pkg/load"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/rdf"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

var ErrRejected = errors.New("load request rejected")

// Loader is satisfied by *graph.GraphClient.
type Loader interface {
	Load(ctx context.Context, target store.GraphStore, runDirs ...string) load.Result
}

// Handler applies load requests to one target, one at a time.
type Handler struct {
	Loader  Loader
	Store   store.GraphStore
	Target  string
	RunsDir string
	// Archive and Bucket, when set, are used to fetch runs that are not in
	// RunsDir.
	Archive storage.ObjectAPI
	Bucket  string
	// Reports receives a LoadReport after every attempt.
	Reports Channel
}

// ProcessLoadMessage decodes and runs one load request. The error is
// permanent, see Permanent, when retrying cannot help.
func (h *Handler) ProcessLoadMessage(ctx context.Context, msg amqp091.Delivery) error {
	req, err := DecodeLoadRequest(msg.Body)
	if err != nil {
		return err
	}
	if req.Target != "" && req.Target != h.Target {
		return fmt.Errorf("%w: request for target %s, worker loads %s", ErrRejected, req.Target, h.Target)
	}

	dirs := make([]string, 0, len(req.RunIDs))
	for _, id := range req.RunIDs {
		dir, err := h.resolveRun(ctx, id)
		if err != nil {
			return err
		}
		dirs = append(dirs, dir)
	}

	logger.Info("[Queue] Loading runs", "runs", req.RunIDs, "target", h.Target, "requested_by", req.RequestedBy)
	res := h.Loader.Load(ctx, h.Store, dirs...)
	if res.Target == "" {
		res.Target = h.Target
	}

	if h.Reports != nil {
		rep := LoadReport{RunIDs: req.RunIDs, Attempt: retries(msg) + 1, Result: res}
		if err := PublishReport(h.Reports, rep); err != nil {
			logger.Warn("[Queue] Failed to publish load report", "err", err)
		}
	}
	if res.Failed() {
		return res.Err
	}
	return nil
}

func (h *Handler) resolveRun(ctx context.Context, id string) (string, error) {
	if !util.IsRunID(id) {
		return "", fmt.Errorf("%w: malformed run id %q", ErrRejected, id)
	}
	dir := filepath.Join(h.RunsDir, id)
	if _, err := os.Stat(filepath.Join(dir, rdf.ManifestFile)); err == nil {
		return dir, nil
	}
	if h.Archive == nil {
		return "", fmt.Errorf("%w: run %s not found in %s", ErrRejected, id, h.RunsDir)
	}
	dir, err := storage.FetchRun(ctx, h.Archive, h.Bucket, id, h.RunsDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return dir, nil
}

// Permanent reports whether err will recur on every retry of the same
// message.
func Permanent(err error) bool {
	for _, target := range []error{
		ErrInvalidMessage,
		ErrRejected,
		load.ErrBulkFailed,
		load.ErrArtifactOrder,
		load.ErrNoArtifacts,
		rdf.ErrChecksumMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func retries(msg amqp091.Delivery) int {
	switch v := msg.Headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleProcessingError sends a failed message to the retry queue, or to the
// dead-letter queue once it has been retried MaxRetries times or the failure
// is permanent.
func HandleProcessingError(ch Channel, msg amqp091.Delivery, queueName string, cause error) {
	n := retries(msg)

	if n >= MaxRetries || Permanent(cause) {
		dlqName := queueName + "_dlq"
		logger.Info("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", n)
		headers := msg.Headers
		if headers == nil {
			headers = amqp091.Table{}
		}
		if cause != nil {
			headers["x-error"] = cause.Error()
		}
		if err := PublishFIFO(ch, dlqName, msg.Body, headers); err != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", err)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp091.Table{}
	}
	headers["x-retries"] = int32(n + 1)

	if err := PublishFIFO(ch, retryName, msg.Body, headers); err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
