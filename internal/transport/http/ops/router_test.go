package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"klinekeeper/internal/ingest"
	"klinekeeper/internal/market"
	"klinekeeper/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStatus struct{ mock.Mock }

func (m *MockStatus) Status() ingest.Status {
	return m.Called().Get(0).(ingest.Status)
}

type MockRuns struct{ mock.Mock }

func (m *MockRuns) ListRuns(ctx context.Context, limit int) ([]market.BackfillRun, error) {
	args := m.Called(ctx, limit)
	runs, _ := args.Get(0).([]market.BackfillRun)
	return runs, args.Error(1)
}

func (m *MockRuns) ListEvents(ctx context.Context, limit int) ([]market.IngestEvent, error) {
	args := m.Called(ctx, limit)
	events, _ := args.Get(0).([]market.IngestEvent)
	return events, args.Error(1)
}

type staticFeed market.SourceStats

func (f staticFeed) Stats() market.SourceStats { return market.SourceStats(f) }

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, status StatusProvider, repo WatermarkReader, runs RunLister, feed FeedStats) *httptest.Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{Status: status, Watermarks: repo, Runs: runs, Feed: feed})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestRouter_Healthz(t *testing.T) {
	ts := newTestServer(t, &MockStatus{}, store.NewMemoryRepository(), nil, nil)
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_Status(t *testing.T) {
	status := &MockStatus{}
	status.On("Status").Return(ingest.Status{
		Stream: ingest.StreamStatus{State: ingest.Connected, Subscriptions: []string{"btcusdt@kline_1m"}, Reconnects: 2},
		Queue:  ingest.QueueStats{Capacity: 64, Depth: 1, Written: 100},
		Backfills: []ingest.BackfillStatus{{
			Instrument: market.Instrument{Symbol: "BTCUSDT", Interval: "1m"},
			State:      market.RunDone,
			Candles:    100,
		}},
		StartedAt: time.UnixMilli(0).UTC(),
	})
	ts := newTestServer(t, status, store.NewMemoryRepository(), nil, staticFeed{ProtocolErrors: 3})

	var body struct {
		Stream struct {
			State      string `json:"state"`
			Reconnects int    `json:"reconnects"`
		} `json:"stream"`
		Queue struct {
			Written int64 `json:"written"`
		} `json:"queue"`
		Backfills []struct {
			State   string `json:"state"`
			Candles int    `json:"candles"`
		} `json:"backfills"`
		Feed struct {
			ProtocolErrors int `json:"protocol_errors"`
		} `json:"feed"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/ingest/status", &body))
	assert.Equal(t, "connected", body.Stream.State)
	assert.Equal(t, 2, body.Stream.Reconnects)
	assert.Equal(t, int64(100), body.Queue.Written)
	require.Len(t, body.Backfills, 1)
	assert.Equal(t, "done", body.Backfills[0].State)
	assert.Equal(t, 3, body.Feed.ProtocolErrors)
	status.AssertExpectations(t)
}

func TestRouter_Watermarks(t *testing.T) {
	repo := store.NewMemoryRepository()
	inst := market.Instrument{Symbol: "BTCUSDT", Interval: "1m"}
	var batch []market.Candle
	for _, ts := range []int64{60_000, 120_000, 300_000} {
		batch = append(batch, market.Candle{Symbol: inst.Symbol, Interval: inst.Interval, OpenTime: ts, CloseTime: ts + 59_999})
	}
	_, err := repo.InsertMany(context.Background(), batch)
	require.NoError(t, err)
	ts := newTestServer(t, &MockStatus{}, repo, nil, nil)

	t.Run("stored", func(t *testing.T) {
		var body watermarkResponse
		assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/klines/btcusdt/1m/watermarks", &body))
		assert.Equal(t, inst, body.Instrument)
		assert.False(t, body.Empty)
		assert.Equal(t, int64(60_000), body.Low)
		assert.Equal(t, int64(300_000), body.High)
		assert.Equal(t, 5, body.Expected)
	})

	t.Run("empty", func(t *testing.T) {
		var body watermarkResponse
		assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/klines/ETHUSDT/1h/watermarks", &body))
		assert.True(t, body.Empty)
	})

	t.Run("bad interval", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/klines/BTCUSDT/7m/watermarks", nil))
	})
}

func TestRouter_Runs(t *testing.T) {
	t.Run("journal disabled", func(t *testing.T) {
		ts := newTestServer(t, &MockStatus{}, store.NewMemoryRepository(), nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/api/ingest/runs", nil))
	})

	t.Run("lists runs and events", func(t *testing.T) {
		runs := &MockRuns{}
		runs.On("ListRuns", mock.Anything, 10).Return([]market.BackfillRun{{ID: "r1", Status: market.RunDone}}, nil)
		runs.On("ListEvents", mock.Anything, 10).Return([]market.IngestEvent{{Kind: "reconnected"}}, nil)
		ts := newTestServer(t, &MockStatus{}, store.NewMemoryRepository(), runs, nil)

		var body struct {
			Runs   []market.BackfillRun  `json:"runs"`
			Events []market.IngestEvent `json:"events"`
		}
		assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/ingest/runs?limit=10", &body))
		require.Len(t, body.Runs, 1)
		assert.Equal(t, "r1", body.Runs[0].ID)
		assert.Equal(t, "reconnected", body.Events[0].Kind)
		runs.AssertExpectations(t)
	})

	t.Run("journal error", func(t *testing.T) {
		runs := &MockRuns{}
		runs.On("ListRuns", mock.Anything, 50).Return(nil, errors.New("database is locked"))
		ts := newTestServer(t, &MockStatus{}, store.NewMemoryRepository(), runs, nil)
		assert.Equal(t, http.StatusInternalServerError, getJSON(t, ts.URL+"/api/ingest/runs?limit=abc", nil))
	})
}
