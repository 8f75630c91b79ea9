package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearmesh/settler/internal/batch"
	"github.com/clearmesh/settler/internal/domain"
	"github.com/clearmesh/settler/internal/submit"
)

type memResults struct {
	mu      sync.Mutex
	results map[string]domain.SubmissionResult
}

func newMemResults() *memResults {
	return &memResults{results: make(map[string]domain.SubmissionResult)}
}

func (m *memResults) Upsert(ctx context.Context, res domain.SubmissionResult) error {
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
	return nil, nil
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
	if limit > len(m.dls) {
		limit = len(m.dls)
	}
	return append([]domain.DeadLetter(nil), m.dls[:limit]...), nil
}

type memTradeLog struct {
	mu     sync.Mutex
	trades []domain.TradeEvent
}

func (m *memTradeLog) Append(ctx context.Context, trade domain.TradeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *memTradeLog) ReadGroup(ctx context.Context, count int, block time.Duration) ([]domain.LogRecord, error) {
	return nil, nil
}

func (m *memTradeLog) Ack(ctx context.Context, ids ...string) error { return nil }
func (m *memTradeLog) Lag(ctx context.Context) (int64, error)       { return 0, nil }

func newRouter(t *testing.T, results *memResults, dls *memDeadLetters, log *memTradeLog) *http.ServeMux {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	submitter := submit.NewSubmitter(
		submit.NewDryRunSink(0),
		results, dls, nil, batch.NewMetrics(),
		time.Second, 2, logger,
	)
	bh := NewBatchHandler(results, dls, submitter)
	th := NewTradeHandler(log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", NewHealthHandler("dry-run").HealthCheck)
	mux.HandleFunc("GET /api/batches/{id}", bh.GetResult)
	mux.HandleFunc("POST /api/batches/{id}/recover", bh.Recover)
	mux.HandleFunc("GET /api/deadletters", bh.ListDeadLetters)
	mux.HandleFunc("POST /api/trades", th.Enqueue)
	return mux
}

func failedResult(batchID string) domain.SubmissionResult {
	return domain.SubmissionResult{
		BatchID: batchID,
		Status:  domain.BatchFailed,
		Legs: []domain.Leg{
			{Token: "USDC", From: "alice", To: "bob", Amount: decimal.NewFromInt(60)},
			{Token: "HII", From: "bob", To: "alice", Amount: decimal.NewFromInt(6), Nonce: 1},
		},
		SubmittedAt: time.Now(),
		Error:       "sink rejected",
	}
}

func TestHealthEndpoint(t *testing.T) {
	mux := newRouter(t, newMemResults(), &memDeadLetters{}, &memTradeLog{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "dry-run", body["sink"])
}

func TestGetBatchResult(t *testing.T) {
	results := newMemResults()
	require.NoError(t, results.Upsert(context.Background(), failedResult("b1")))
	mux := newRouter(t, results, &memDeadLetters{}, &memTradeLog{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/batches/b1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var res domain.SubmissionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "b1", res.BatchID)
	assert.Equal(t, domain.BatchFailed, res.Status)
	assert.Len(t, res.Legs, 2)
}

func TestGetBatchResultNotFound(t *testing.T) {
	mux := newRouter(t, newMemResults(), &memDeadLetters{}, &memTradeLog{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/batches/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoverResubmit(t *testing.T) {
	results := newMemResults()
	require.NoError(t, results.Upsert(context.Background(), failedResult("b1")))
	mux := newRouter(t, results, &memDeadLetters{}, &memTradeLog{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/batches/b1/recover",
		strings.NewReader(`{"action":"resubmit"}`)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res domain.SubmissionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.BatchConfirmed, res.Status)
}

func TestRecoverNonFailedBatchConflicts(t *testing.T) {
	results := newMemResults()
	res := failedResult("b1")
	res.Status = domain.BatchConfirmed
	require.NoError(t, results.Upsert(context.Background(), res))
	mux := newRouter(t, results, &memDeadLetters{}, &memTradeLog{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/batches/b1/recover",
		strings.NewReader(`{"action":"resubmit"}`)))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRecoverMissingBatch(t *testing.T) {
	mux := newRouter(t, newMemResults(), &memDeadLetters{}, &memTradeLog{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/batches/missing/recover",
		strings.NewReader(`{"action":"deadletter"}`)))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDeadLetters(t *testing.T) {
	dls := &memDeadLetters{}
	require.NoError(t, dls.Insert(context.Background(), domain.DeadLetter{
		BatchID: "b1", Reason: "operator routed to dead letter", LegCount: 2, CreatedAt: time.Now(),
	}))
	mux := newRouter(t, newMemResults(), dls, &memTradeLog{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/deadletters?limit=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out []domain.DeadLetter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "b1", out[0].BatchID)
}

func TestEnqueueTrade(t *testing.T) {
	log := &memTradeLog{}
	mux := newRouter(t, newMemResults(), &memDeadLetters{}, log)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/trades",
		strings.NewReader(`{
			"trade_id": "t1",
			"buyer": "alice",
			"seller": "bob",
			"base_token": "HII",
			"quote_token": "USDC",
			"amount_base": "10",
			"amount_quote": "100"
		}`)))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, log.trades, 1)
	assert.Equal(t, "t1", log.trades[0].TradeID)
	assert.False(t, log.trades[0].ReceivedAt.IsZero())
}

func TestEnqueueInvalidTrade(t *testing.T) {
	mux := newRouter(t, newMemResults(), &memDeadLetters{}, &memTradeLog{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/trades",
		strings.NewReader(`{"trade_id": ""}`)))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
