package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearmesh/settler/internal/domain"
)

// fakeTradeLog serves queued records and remembers acknowledgements.
type fakeTradeLog struct {
	records []domain.LogRecord
	acked   []string
}

func (f *fakeTradeLog) Append(ctx context.Context, trade domain.TradeEvent) error { return nil }

func (f *fakeTradeLog) ReadGroup(ctx context.Context, count int, block time.Duration) ([]domain.LogRecord, error) {
	out := f.records
	f.records = nil
	return out, nil
}

func (f *fakeTradeLog) Ack(ctx context.Context, ids ...string) error {
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeTradeLog) Lag(ctx context.Context) (int64, error) { return 0, nil }

// countRecorder tallies ingestion counters.
type countRecorder struct {
	ingested, duplicates, malformed int
}

func (r *countRecorder) RecordIngested(n int) { r.ingested += n }
func (r *countRecorder) RecordDuplicate()     { r.duplicates++ }
func (r *countRecorder) RecordMalformed()     { r.malformed++ }

func tradePayload(t *testing.T, id string) []byte {
	t.Helper()
	payload, err := json.Marshal(domain.TradeEvent{
		TradeID:     id,
		Pair:        "HII/USDC",
		Buyer:       "alice",
		Seller:      "bob",
		BaseToken:   "HII",
		QuoteToken:  "USDC",
		AmountBase:  decimal.NewFromInt(10),
		AmountQuote: decimal.NewFromInt(100),
		ReceivedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	return payload
}

func newTestConsumer(log domain.TradeLog, rec Recorder, absorb func([]domain.TradeEvent)) *Consumer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewConsumer(log, NewDedup(time.Hour), absorb, rec, 128, logger)
}

func TestCycleAbsorbsFreshTrades(t *testing.T) {
	log := &fakeTradeLog{records: []domain.LogRecord{
		{ID: "1-0", Payload: tradePayload(t, "t1")},
		{ID: "1-1", Payload: tradePayload(t, "t2")},
	}}
	rec := &countRecorder{}

	var absorbed []domain.TradeEvent
	c := newTestConsumer(log, rec, func(events []domain.TradeEvent) {
		absorbed = append(absorbed, events...)
	})

	n, err := c.Cycle(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, absorbed, 2)
	assert.Equal(t, 2, rec.ingested)
	assert.Equal(t, []string{"1-0", "1-1"}, log.acked)
}

func TestCycleDropsDuplicates(t *testing.T) {
	payload := tradePayload(t, "t1")
	log := &fakeTradeLog{records: []domain.LogRecord{
		{ID: "1-0", Payload: payload},
		{ID: "1-1", Payload: payload},
	}}
	rec := &countRecorder{}

	var absorbed []domain.TradeEvent
	c := newTestConsumer(log, rec, func(events []domain.TradeEvent) {
		absorbed = append(absorbed, events...)
	})

	n, err := c.Cycle(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, absorbed, 1)
	assert.Equal(t, 1, rec.duplicates)
	// The duplicate record is still acknowledged.
	assert.Equal(t, []string{"1-0", "1-1"}, log.acked)
}

func TestCycleDropsDuplicatesAcrossCycles(t *testing.T) {
	payload := tradePayload(t, "t1")
	log := &fakeTradeLog{records: []domain.LogRecord{{ID: "1-0", Payload: payload}}}
	rec := &countRecorder{}

	c := newTestConsumer(log, rec, func([]domain.TradeEvent) {})

	n, err := c.Cycle(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Redelivery of the same trade in a later cycle is suppressed.
	log.records = []domain.LogRecord{{ID: "2-0", Payload: payload}}
	n, err = c.Cycle(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, rec.duplicates)
}

func TestCycleAcksMalformedRecords(t *testing.T) {
	log := &fakeTradeLog{records: []domain.LogRecord{
		{ID: "1-0", Payload: []byte("not json")},
		{ID: "1-1", Payload: []byte(`{"trade_id":""}`)},
		{ID: "1-2", Payload: tradePayload(t, "t1")},
	}}
	rec := &countRecorder{}

	var absorbed []domain.TradeEvent
	c := newTestConsumer(log, rec, func(events []domain.TradeEvent) {
		absorbed = append(absorbed, events...)
	})

	n, err := c.Cycle(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, absorbed, 1)
	assert.Equal(t, 2, rec.malformed)
	assert.Equal(t, []string{"1-0", "1-1", "1-2"}, log.acked)
}

func TestCycleAcksRecordsWithoutPayload(t *testing.T) {
	// The log layer returns records with a nil payload when the stream
	// message carried no usable payload field. They must be counted and
	// acknowledged like any other malformed record or they pend forever.
	log := &fakeTradeLog{records: []domain.LogRecord{
		{ID: "1-0", Payload: nil},
		{ID: "1-1", Payload: tradePayload(t, "t1")},
	}}
	rec := &countRecorder{}

	c := newTestConsumer(log, rec, func([]domain.TradeEvent) {})

	n, err := c.Cycle(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, rec.malformed)
	assert.Equal(t, []string{"1-0", "1-1"}, log.acked)
}

func TestCycleQuietStream(t *testing.T) {
	log := &fakeTradeLog{}
	rec := &countRecorder{}
	c := newTestConsumer(log, rec, func([]domain.TradeEvent) {
		t.Fatal("absorb called on an empty cycle")
	})

	n, err := c.Cycle(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, log.acked)
}

func TestParseTradeDefaultsReceivedAt(t *testing.T) {
	event, err := parseTrade([]byte(`{
		"trade_id": "t1",
		"buyer": "alice",
		"seller": "bob",
		"base_token": "HII",
		"quote_token": "USDC",
		"amount_base": "10",
		"amount_quote": "100"
	}`))
	require.NoError(t, err)
	assert.False(t, event.ReceivedAt.IsZero())
}
