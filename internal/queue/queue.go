package queue

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/graphport/pkg/logger"
)

const (
	LoadQueue      = "load_queue"
	ReportExchange = "graphport_reports"

	retryTTL   = 10000
	MaxRetries = 10

	ContentType = "application/msgpack"
)

// Channel is the part of *amqp091.Channel publishing needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

func Init(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

// SetupQueues declares every queue with a dead-letter queue and a retry
// queue whose messages return to the main queue after retryTTL milliseconds.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	if err := ch.ExchangeDeclare(ReportExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ReportExchange, err)
	}

	for _, name := range queueNames {
		decls := []struct {
			name string
			args amqp091.Table
		}{
			{name, nil},
			{name + "_dlq", nil},
			{name + "_retry", amqp091.Table{
				"x-message-ttl":             int32(retryTTL),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			}},
		}
		for _, d := range decls {
			// durable, not auto-deleted, shared
			if _, err := ch.QueueDeclare(d.name, true, false, false, false, d.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", d.name, err)
			}
		}
		logger.Debug("[Queue] Declared", "queue", name)
	}

	return nil
}

// PublishFIFO publishes a persistent message on the default exchange.
func PublishFIFO(ch Channel, queueName string, data []byte, headers amqp091.Table) error {
	return ch.Publish("", queueName, false, false, amqp091.Publishing{
		ContentType:  ContentType,
		Body:         data,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	})
}

// PublishTopic publishes a report on ReportExchange. The exchange is declared
// on every call so reports never go to a missing exchange.
func PublishTopic(ch Channel, topic string, data []byte) error {
	if err := ch.ExchangeDeclare(ReportExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ReportExchange, err)
	}
	return ch.Publish(ReportExchange, topic, false, false, amqp091.Publishing{
		ContentType:  ContentType,
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	})
}
