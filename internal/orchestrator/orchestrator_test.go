package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearmesh/settler/internal/batch"
	"github.com/clearmesh/settler/internal/domain"
	"github.com/clearmesh/settler/internal/ingest"
	"github.com/clearmesh/settler/internal/netting"
	"github.com/clearmesh/settler/internal/submit"
)

// memTradeLog is an in-memory TradeLog with consumer-group-like delivery:
// read once, acknowledged explicitly.
type memTradeLog struct {
	mu    sync.Mutex
	queue []domain.LogRecord
	acked map[string]bool
	next  int
}

func newMemTradeLog() *memTradeLog {
	return &memTradeLog{acked: make(map[string]bool)}
}

func (m *memTradeLog) push(t *testing.T, trade domain.TradeEvent) {
	t.Helper()
	payload, err := json.Marshal(trade)
	require.NoError(t, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.queue = append(m.queue, domain.LogRecord{
		ID:      time.Now().Format("150405") + "-" + string(rune('a'+m.next)),
		Payload: payload,
	})
}

func (m *memTradeLog) Append(ctx context.Context, trade domain.TradeEvent) error {
	payload, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.queue = append(m.queue, domain.LogRecord{ID: trade.TradeID, Payload: payload})
	return nil
}

func (m *memTradeLog) ReadGroup(ctx context.Context, count int, block time.Duration) ([]domain.LogRecord, error) {
	m.mu.Lock()
	n := len(m.queue)
	if n > count {
		n = count
	}
	out := m.queue[:n]
	m.queue = m.queue[n:]
	m.mu.Unlock()

	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(block):
		}
	}
	return out, nil
}

func (m *memTradeLog) Ack(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.acked[id] = true
	}
	return nil
}

func (m *memTradeLog) Lag(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queue)), nil
}

type memResults struct {
	mu      sync.Mutex
	results map[string]domain.SubmissionResult
}

func newMemResults() *memResults {
	return &memResults{results: make(map[string]domain.SubmissionResult)}
}

func (m *memResults) Upsert(ctx context.Context, res domain.SubmissionResult) error {
	// A real pool refuses work on a canceled context.
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.results[res.BatchID]; ok && cur.Status == res.Status {
		return nil
	}
	m.results[res.BatchID] = res
	return nil
}

func (m *memResults) Get(ctx context.Context, batchID string) (*domain.SubmissionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[batchID]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (m *memResults) ListTerminalSince(ctx context.Context, since time.Time, limit int) ([]domain.SubmissionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SubmissionResult
	for _, res := range m.results {
		if res.Status.Terminal() && !res.SubmittedAt.Before(since) {
			out = append(out, res)
		}
	}
	return out, nil
}

func (m *memResults) confirmed() []domain.SubmissionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SubmissionResult
	for _, res := range m.results {
		if res.Status == domain.BatchConfirmed {
			out = append(out, res)
		}
	}
	return out
}

type memDeadLetters struct {
	mu  sync.Mutex
	dls []domain.DeadLetter
}

func (m *memDeadLetters) Insert(ctx context.Context, dl domain.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dls = append(m.dls, dl)
	return nil
}

func (m *memDeadLetters) List(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeadLetter(nil), m.dls...), nil
}

func testTrade(id string) domain.TradeEvent {
	return domain.TradeEvent{
		TradeID:     id,
		Pair:        "HII/USDC",
		Buyer:       "alice",
		Seller:      "bob",
		BaseToken:   "HII",
		QuoteToken:  "USDC",
		AmountBase:  decimal.NewFromInt(10),
		AmountQuote: decimal.NewFromInt(100),
		ReceivedAt:  time.Now().UTC(),
	}
}

func newTestOrchestrator(log domain.TradeLog, results domain.ResultStore, builderCfg batch.Config) *Orchestrator {
	return newTestOrchestratorWithSink(log, results, submit.NewDryRunSink(time.Millisecond), builderCfg)
}

func newTestOrchestratorWithSink(log domain.TradeLog, results domain.ResultStore, sink domain.SettlementSink, builderCfg batch.Config) *Orchestrator {
	return newTestOrchestratorFull(log, results, sink, builderCfg, Config{
		PollInterval: 20 * time.Millisecond,
		IdleSleep:    5 * time.Millisecond,
		DedupCleanup: time.Minute,
	})
}

func newTestOrchestratorFull(log domain.TradeLog, results domain.ResultStore, sink domain.SettlementSink, builderCfg batch.Config, cfg Config) *Orchestrator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := batch.NewMetrics()
	builder := batch.NewBuilder(builderCfg, logger)
	engine := netting.NewEngine(false, time.Hour)
	dedup := ingest.NewDedup(time.Hour)
	submitter := submit.NewSubmitter(
		sink,
		results, &memDeadLetters{}, nil, metrics,
		time.Second, 4, logger,
	)
	return New(log, dedup, builder, engine, submitter, metrics, results, nil, 128,
		cfg, logger)
}

func TestPipelineSettlesTradesEndToEnd(t *testing.T) {
	log := newMemTradeLog()
	results := newMemResults()

	for i := 0; i < 3; i++ {
		log.push(t, testTrade("t"+string(rune('0'+i))))
	}

	// 6 legs from 3 trades; size trigger at 6 closes exactly one batch.
	o := newTestOrchestrator(log, results, batch.Config{
		MaxLegs:       6,
		TimeWindow:    time.Hour,
		CostCeiling:   1 << 62,
		GasPerLeg:     40_000,
		HighWaterLegs: 100,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(results.confirmed()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	confirmed := results.confirmed()
	require.Len(t, confirmed, 1)
	assert.Len(t, confirmed[0].Legs, 6)
	assert.NotEmpty(t, confirmed[0].SinkReference)

	// All delivered records were acknowledged.
	assert.Len(t, log.acked, 3)
}

func TestPipelineTimeTriggerOnQuietStream(t *testing.T) {
	log := newMemTradeLog()
	results := newMemResults()

	log.push(t, testTrade("t1"))

	// Window far below MaxLegs; only the time trigger can close it.
	o := newTestOrchestrator(log, results, batch.Config{
		MaxLegs:       100,
		TimeWindow:    50 * time.Millisecond,
		CostCeiling:   1 << 62,
		GasPerLeg:     40_000,
		HighWaterLegs: 1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	start := time.Now()
	require.Eventually(t, func() bool {
		return len(results.confirmed()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	elapsed := time.Since(start)

	cancel()
	require.NoError(t, <-done)

	// A quiet stream still settles within timeWindow + pollInterval plus
	// scheduling slack.
	assert.Less(t, elapsed, time.Second)
	assert.Len(t, results.confirmed()[0].Legs, 2)
}

func TestPipelineDeduplicatesRedeliveries(t *testing.T) {
	log := newMemTradeLog()
	results := newMemResults()

	trade := testTrade("t1")
	log.push(t, trade)
	log.push(t, trade)
	log.push(t, trade)

	o := newTestOrchestrator(log, results, batch.Config{
		MaxLegs:       100,
		TimeWindow:    50 * time.Millisecond,
		CostCeiling:   1 << 62,
		GasPerLeg:     40_000,
		HighWaterLegs: 1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(results.confirmed()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// One trade settled once despite three deliveries.
	require.Len(t, results.confirmed(), 1)
	assert.Len(t, results.confirmed()[0].Legs, 2)

	snap := o.Snapshot(context.Background())
	assert.Equal(t, int64(1), snap.TradesIngested)
	assert.Equal(t, int64(2), snap.DuplicatesDropped)
}

// slowSink settles through an inner dry-run sink after announcing that the
// call is underway, so tests can cancel the run context mid-submission.
type slowSink struct {
	inner   *submit.DryRunSink
	entered chan struct{}
}

func (s *slowSink) Submit(ctx context.Context, b *domain.Batch) (domain.SinkReceipt, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return domain.SinkReceipt{}, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return s.inner.Submit(ctx, b)
}

func (s *slowSink) IsSettled(ctx context.Context, batchID string) (bool, domain.SinkReceipt, error) {
	return s.inner.IsSettled(ctx, batchID)
}

func (s *slowSink) Name() string { return "slow" }

func TestShutdownRecordsInFlightOutcome(t *testing.T) {
	log := newMemTradeLog()
	results := newMemResults()
	sink := &slowSink{inner: submit.NewDryRunSink(0), entered: make(chan struct{}, 1)}

	log.push(t, testTrade("t1"))

	o := newTestOrchestratorWithSink(log, results, sink, batch.Config{
		MaxLegs:       2,
		TimeWindow:    time.Hour,
		CostCeiling:   1 << 62,
		GasPerLeg:     40_000,
		HighWaterLegs: 100,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// Cancel while the sink call is in flight. The batch's trades are
	// already acked, so its outcome must still land in the result store;
	// the store itself refuses writes on a canceled context.
	<-sink.entered
	cancel()
	require.NoError(t, <-done)

	confirmed := results.confirmed()
	require.Len(t, confirmed, 1)
	assert.Len(t, confirmed[0].Legs, 2)
	assert.NotEmpty(t, confirmed[0].SinkReference)
}

func TestBurstDrainsAllBatchesInOneCycle(t *testing.T) {
	log := newMemTradeLog()
	results := newMemResults()

	// 4 trades arrive in one read; at 2 legs per batch that is 4 full
	// batches pending after a single cycle.
	for i := 0; i < 4; i++ {
		log.push(t, testTrade("t"+string(rune('0'+i))))
	}

	// A long poll interval would starve the carry-over if only one batch
	// closed per cycle; all 4 must settle before the next poll.
	o := newTestOrchestratorFull(log, results, submit.NewDryRunSink(0), batch.Config{
		MaxLegs:       2,
		TimeWindow:    time.Hour,
		CostCeiling:   1 << 62,
		GasPerLeg:     40_000,
		HighWaterLegs: 100,
	}, Config{
		PollInterval: 500 * time.Millisecond,
		IdleSleep:    5 * time.Millisecond,
		DedupCleanup: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(results.confirmed()) == 4
	}, 300*time.Millisecond, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	for _, res := range results.confirmed() {
		assert.Len(t, res.Legs, 2)
	}
}

func TestSnapshotReportsGauges(t *testing.T) {
	log := newMemTradeLog()
	o := newTestOrchestrator(log, newMemResults(), batch.Config{
		MaxLegs:       100,
		TimeWindow:    time.Hour,
		CostCeiling:   1 << 62,
		GasPerLeg:     40_000,
		HighWaterLegs: 1000,
	})

	log.push(t, testTrade("t1"))

	snap := o.Snapshot(context.Background())
	assert.Equal(t, int64(1), snap.IngestionLag)
	assert.Equal(t, 0, snap.PendingLegs)
	assert.False(t, snap.Backpressure)
}
