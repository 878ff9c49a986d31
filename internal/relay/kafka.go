// Package relay forwards activity events to Kafka for downstream reporting.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/pickup-ops/internal/dispatch"
	"github.com/example/pickup-ops/internal/models"
	"github.com/example/pickup-ops/internal/observability"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaRelay struct {
	writer       MessageWriter
	logger       *slog.Logger
	WriteTimeout time.Duration
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaRelay(w MessageWriter, logger *slog.Logger) *KafkaRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaRelay{writer: w, logger: logger.With("component", "relay"), WriteTimeout: 2 * time.Second}
}

// Run forwards events from sub until ctx ends or the registry shuts down.
func (k *KafkaRelay) Run(ctx context.Context, sub dispatch.Subscriber) error {
	return dispatch.Consume(ctx, sub, k.logger, func(ctx context.Context, evt models.ActivityEvent) {
		if err := k.Forward(ctx, evt); err != nil {
			observability.RelayErrorsTotal.Inc()
			k.logger.Warn("relay write failed", "event_id", evt.ID, "action", evt.Action, "error", err)
		}
	})
}

// Forward writes one event. Events about a pickup share its key, so they
// land on one partition in order.
func (k *KafkaRelay) Forward(ctx context.Context, evt models.ActivityEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.WriteTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(MessageKey(evt)),
		Value: b,
		Time:  evt.CreatedAt,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(evt.Action)},
		},
	})
}

// MessageKey picks the partition key: pickup id, then driver id, then event id.
func MessageKey(evt models.ActivityEvent) string {
	if id := evt.DetailString("pickup_id"); id != "" {
		return id
	}
	if id := evt.DetailString("driver_id"); id != "" {
		return id
	}
	return evt.ID
}

func (k *KafkaRelay) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
