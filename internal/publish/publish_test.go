package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadwatcher/internal/market"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func sampleRecord(pairID string) market.SpreadRecord {
	return market.SpreadRecord{
		PairID:        pairID,
		DomesticCode:  "PT2610",
		ForeignCode:   "PLV2026",
		Timestamp:     time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		DomesticPrice: decimal.RequireFromString("657.65"),
		SpreadPercent: decimal.RequireFromString("23.25"),
	}
}

func TestKafkaPublisherKeysByFamilyAndPair(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "spread-records", zerolog.Nop())

	err := p.Publish(context.Background(), "run-1", "platinum", []market.SpreadRecord{sampleRecord("2610-2610"), sampleRecord("2606-2610")})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "platinum:2610-2610", string(w.msgs[0].Key))

	var ev Event
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &ev))
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, "platinum", ev.Family)
	assert.Equal(t, "2606-2610", ev.Record.PairID)
	assert.True(t, ev.Record.SpreadPercent.Equal(decimal.RequireFromString("23.25")))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherEmptyAndError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, "spread-records", zerolog.Nop())

	assert.NoError(t, p.Publish(context.Background(), "run-1", "platinum", nil))
	assert.Error(t, p.Publish(context.Background(), "run-1", "platinum", []market.SpreadRecord{sampleRecord("2610-2610")}))
}

func TestNewKafkaPublisherRequiresBrokersAndTopic(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaOptions{Topic: "x"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaOptions{Brokers: []string{"localhost:9092"}}, zerolog.Nop())
	assert.Error(t, err)
}
