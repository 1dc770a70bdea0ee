package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/graphport/pkg/logger"
)

// Consume feeds LoadQueue to h until ctx is done. Prefetch is one, so loads
// into the target run strictly one after another.
func Consume(ctx context.Context, conn *amqp091.Connection, h *Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := SetupQueues(ch, []string{LoadQueue}); err != nil {
		return err
	}
	if h.Reports == nil {
		h.Reports = ch
	}

	consumerCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer consumerCh.Close()
	if err := consumerCh.Qos(1, 0, true); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := consumerCh.Consume(
		LoadQueue,
		LoadQueue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", LoadQueue, err)
	}

	logger.Info("[Queue] Listening for load requests", "queue", LoadQueue, "target", h.Target)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping consumer", "queue", LoadQueue)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}
			startTime := time.Now()
			logger.Info("[Queue] Received message", "queue", LoadQueue, "retries", retries(msg))

			if err := h.ProcessLoadMessage(ctx, msg); err != nil {
				logger.Error("[Queue] Error processing message", "queue", LoadQueue, "err", err)
				HandleProcessingError(consumerCh, msg, LoadQueue, err)
			} else {
				if err := msg.Ack(false); err != nil {
					logger.Error("[Queue] Failed to ack message", "err", err)
				}
				logger.Info("[Queue] Message processed successfully", "queue", LoadQueue)
			}

			logger.Info("[Queue] Processing time", "duration", time.Since(startTime).Round(time.Second).String())
		}
	}
}
