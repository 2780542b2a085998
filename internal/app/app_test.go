package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/config"
	"signal-trader/internal/monitor"
	"signal-trader/internal/risk"
	"signal-trader/internal/store"
	"signal-trader/internal/trading"
)

type stubVenue struct {
	mu        sync.Mutex
	balance   float64
	seq       int
	cancelled []string
}

func (v *stubVenue) GetBalance(context.Context) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance, nil
}

func (v *stubVenue) IsAssetOpen(context.Context, string) (bool, error) {
	return true, nil
}

func (v *stubVenue) PlaceTrade(_ context.Context, _ trading.PlaceRequest) (trading.Placement, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	return trading.Placement{VenueID: fmt.Sprintf("stub-%d", v.seq), EntryPrice: 1.1}, nil
}

func (v *stubVenue) CheckOutcome(context.Context, string) (trading.Outcome, error) {
	return trading.Outcome{Status: trading.StatusPending}, nil
}

func (v *stubVenue) Cancel(_ context.Context, venueID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, venueID)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)

	cfg.Risk.NonTradingWeekdays = nil
	cfg.Database.InMemory = true
	cfg.HTTP.Enabled = false
	cfg.Scheduler.DelayPollInterval = 10 * time.Millisecond
	cfg.Scheduler.MonitorInterval = 10 * time.Millisecond
	cfg.Scheduler.DrainTimeout = 50 * time.Millisecond
	cfg.Scheduler.StatusInterval = 0
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config) (*Pipeline, *stubVenue) {
	t.Helper()
	st, err := store.NewSQLite(cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	venue := &stubVenue{balance: 1000}
	pipeline, err := buildPipeline(cfg, nil, st, venue)
	require.NoError(t, err)
	return pipeline, venue
}

func TestNewPipelineRequiresComponents(t *testing.T) {
	_, err := NewPipeline(Components{}, nil)
	assert.Error(t, err)
}

func TestPipelineSubmitOutcomes(t *testing.T) {
	pipeline, _ := newTestPipeline(t, testConfig(t))

	ignored := pipeline.Submit("test", "good morning everyone")
	assert.False(t, ignored.Accepted)
	assert.Equal(t, CodeIgnored, ignored.Code)

	invalid := pipeline.Submit("test", "EURUSD CALL 5M confidence: 50")
	assert.False(t, invalid.Accepted)
	assert.Equal(t, "LOW_CONFIDENCE", invalid.Code)

	accepted := pipeline.Submit("test", "EURUSD CALL $10 5M")
	require.True(t, accepted.Accepted)
	assert.Equal(t, CodeQueued, accepted.Code)
	assert.Equal(t, "test", accepted.Intent.Metadata["transport"])

	stats := pipeline.Statistics()
	assert.EqualValues(t, 1, stats.IgnoredMessages)
	assert.EqualValues(t, 1, stats.InvalidSignals)
	assert.Equal(t, 1, stats.SignalsReceived)
	assert.Equal(t, 1, stats.QueuedSignals)

	events, err := pipeline.events.ListEvents(context.Background(), monitor.EventIntentRejected, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPipelineLifecycleCancelsOpenTrades(t *testing.T) {
	pipeline, venue := newTestPipeline(t, testConfig(t))

	require.NoError(t, pipeline.Start(context.Background()))
	result := pipeline.Submit("test", "GBPUSD PUT $15 3M")
	require.True(t, result.Accepted)

	require.Eventually(t, func() bool {
		return len(pipeline.ActiveTrades()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, pipeline.Stop(ctx))

	stats := pipeline.Statistics()
	assert.Equal(t, 1, stats.TradesExecuted)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 0, stats.ActiveTrades)
	assert.False(t, stats.Running)
	assert.Equal(t, []string{"stub-1"}, venue.cancelled)

	session, ok := pipeline.ledger.Session()
	require.True(t, ok)
	assert.False(t, session.Active())
}

func TestPipelineForceStopDeniesAdmission(t *testing.T) {
	pipeline, venue := newTestPipeline(t, testConfig(t))
	require.NoError(t, pipeline.Start(context.Background()))
	t.Cleanup(func() { _ = pipeline.Stop(context.Background()) })

	pipeline.ForceStopTrading(context.Background(), "operator")
	require.True(t, pipeline.Submit("test", "EURUSD CALL $10 5M").Accepted)

	require.Eventually(t, func() bool {
		return pipeline.Statistics().SignalsRejected == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, venue.seq)
	assert.True(t, pipeline.Statistics().RiskSummary.Halted)

	n, err := pipeline.events.CountEvents(context.Background(), monitor.EventForceStop)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pipeline.ResumeTrading(context.Background())
	assert.False(t, pipeline.Statistics().RiskSummary.Halted)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIServerRoutes(t *testing.T) {
	pipeline, _ := newTestPipeline(t, testConfig(t))
	h := newAPIServer(pipeline, nil).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/signals", map[string]string{"text": "EURUSD CALL $10 5M"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/signals", map[string]string{"text": "EURUSD CALL 5M confidence: 10"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/signals", map[string]string{"source": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/signals/preview", map[string]string{"text": "GBPUSD PUT 15 3M"})
	require.Equal(t, http.StatusOK, rec.Code)
	var preview SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preview))
	assert.True(t, preview.Accepted)
	assert.Equal(t, "GBPUSD", preview.Intent.Asset)

	rec = doJSON(t, h, http.MethodPost, "/api/auto-trading/disable", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats["signals_received"])
	assert.EqualValues(t, 1, stats["invalid_signals"])
	assert.Equal(t, false, stats["auto_trading"])

	rec = doJSON(t, h, http.MethodPost, "/api/force-stop", map[string]string{"reason": "manual"})
	require.Equal(t, http.StatusOK, rec.Code)
	var summary risk.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.True(t, summary.Halted)
	assert.Equal(t, "manual", summary.HaltReason)

	rec = doJSON(t, h, http.MethodPost, "/api/resume", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.False(t, summary.Halted)

	rec = doJSON(t, h, http.MethodGet, "/api/events?type=intent_rejected&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 1)

	for _, path := range []string{"/api/trades", "/api/pending", "/api/recovery", "/api/risk"} {
		rec = doJSON(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAppRunConsumesInboxUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Inbox.Enabled = true
	cfg.Inbox.Dir = t.TempDir()
	cfg.Scheduler.StatusInterval = 10 * time.Millisecond

	pipeline, _ := newTestPipeline(t, cfg)
	a := New(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, pipeline) }()

	tmp := filepath.Join(t.TempDir(), "signal.txt")
	require.NoError(t, os.WriteFile(tmp, []byte("EURUSD CALL $10 5M"), 0o644))
	require.Eventually(t, func() bool {
		// 监听建立前放入的文件也会在启动时被处理
		if _, err := os.Stat(tmp); err == nil {
			_ = os.Rename(tmp, filepath.Join(cfg.Inbox.Dir, "signal.txt"))
		}
		return pipeline.Statistics().SignalsReceived == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := pipeline.events.CountEvents(context.Background(), monitor.EventStatus)
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.False(t, pipeline.Statistics().Running)
}
