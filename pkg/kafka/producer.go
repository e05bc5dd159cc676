package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SinkName is the label the producer reports to the emitter.
const SinkName = "kafka"

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes committed person and claim events to the output topic.
type Producer struct {
	writer messageWriter
	logger ectologger.Logger
	topic  string
}

func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	var compression kafka.Compression
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none", "":
		compression = 0
	default:
		compression = kafka.Snappy
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return newProducer(writer, cfg.Topic, logger)
}

func newProducer(w messageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: w,
		logger: logger,
		topic:  topic,
	}
}

func (p *Producer) Name() string {
	return SinkName
}

// Handle writes one message per event, keyed by person id so a person's events stay ordered.
func (p *Producer) Handle(ctx context.Context, evts []events.Event) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.Handle")
	defer span.End()

	msgs := make([]kafka.Message, 0, len(evts))
	for _, evt := range evts {
		msg, err := buildMessage(ctx, evt)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"topic": p.topic,
			"count": len(msgs),
		}).Error("Failed to publish person events")
		return fmt.Errorf("failed to write messages: %w", err)
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": p.topic,
		"count": len(msgs),
	}).Debug("Published person events")
	return nil
}

func buildMessage(ctx context.Context, evt events.Event) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal %s event: %w", evt.Type, err)
	}

	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(evt.Type)},
		{Key: "schema_version", Value: []byte(events.SchemaVersion)},
	}
	for k, v := range tracing.Inject(ctx) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Key:     []byte(evt.PersonID),
		Value:   value,
		Headers: headers,
		Time:    evt.Timestamp,
	}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
