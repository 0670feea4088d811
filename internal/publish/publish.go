// Package publish emits spread events to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"spreadwatcher/internal/market"
)

// Event is the payload published per spread record.
type Event struct {
	RunID  string              `json:"run_id"`
	Family string              `json:"family"`
	Record market.SpreadRecord `json:"record"`
}

// Publisher sends spread events.
type Publisher interface {
	Publish(ctx context.Context, runID, family string, recs []market.SpreadRecord) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOptions parameterise the Kafka publisher.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaPublisher writes one message per record, keyed by family and pair.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

// NewKafkaPublisher constructs a synchronous Kafka writer.
func NewKafkaPublisher(opts KafkaOptions, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if opts.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: opts.WriteTimeout,
		BatchTimeout: time.Second,
	}
	return newKafkaPublisher(writer, opts.Topic, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "kafka_publisher").Str("topic", topic).Logger(),
	}
}

// Publish writes the records as one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, runID, family string, recs []market.SpreadRecord) error {
	if len(recs) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(recs))
	now := time.Now()
	for _, rec := range recs {
		value, err := json.Marshal(Event{RunID: runID, Family: family, Record: rec})
		if err != nil {
			return fmt.Errorf("marshal spread event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(family + ":" + rec.PairID),
			Value: value,
			Time:  now,
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d spread events: %w", len(msgs), err)
	}
	p.logger.Debug().Str("family", family).Int("messages", len(msgs)).Msg("spread events published")
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
