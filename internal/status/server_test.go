package status

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/candles"
	"github.com/cs-darshan/binance-data-collector/internal/service"
	"github.com/cs-darshan/binance-data-collector/internal/sink"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipelines []candles.StatsSnapshot

func (f fakePipelines) Stats() []candles.StatsSnapshot { return f }

type fakeSink sink.DispatcherStats

func (f fakeSink) Stats() sink.DispatcherStats { return sink.DispatcherStats(f) }

type fakeSubs service.DispatcherStats

func (f fakeSubs) Stats() service.DispatcherStats { return service.DispatcherStats(f) }

func newTestServer(pairs fakePipelines, done <-chan struct{}) *httptest.Server {
	s := NewServer(pairs, fakeSink{Written: 7, WriteErrors: 1}, fakeSubs{Subscribers: 2}, done)
	return httptest.NewServer(s.Handler())
}

func get(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.Unmarshal(body, v))
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	done := make(chan struct{})
	srv := newTestServer(nil, done)
	defer srv.Close()

	var h Health
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/health", &h))
	assert.Equal(t, "ok", h.Status)
	assert.False(t, h.StartedAt.IsZero())

	close(done)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.URL+"/health", &h))
	assert.Equal(t, "stopped", h.Status)
}

func TestStats(t *testing.T) {
	last := time.UnixMilli(1_700_000_040_000).UTC()
	srv := newTestServer(fakePipelines{
		{Pair: "BTC-USDT", TradesApplied: 10, CandlesEmitted: 2, LastCandleStart: last},
		{Pair: "ETH-USDT", LateDiscarded: 3},
	}, nil)
	defer srv.Close()

	var report Report
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/stats", &report))
	require.Len(t, report.Pairs, 2)
	assert.Equal(t, int64(10), report.Pairs[0].TradesApplied)
	assert.True(t, last.Equal(report.Pairs[0].LastCandleStart))
	assert.Equal(t, int64(7), report.Sink.Written)
	assert.Equal(t, int64(1), report.Sink.WriteErrors)
	assert.Equal(t, int64(2), report.Subscriptions.Subscribers)
}

func TestPairStats(t *testing.T) {
	srv := newTestServer(fakePipelines{{Pair: "ETH-USDT", LateDiscarded: 3}}, nil)
	defer srv.Close()

	for _, symbol := range []string{"ETH-USDT", "eth-usdt", "ETHUSDT"} {
		var snap candles.StatsSnapshot
		require.Equal(t, http.StatusOK, get(t, srv.URL+"/stats/"+symbol, &snap), symbol)
		assert.Equal(t, "ETH-USDT", snap.Pair)
		assert.Equal(t, int64(3), snap.LateDiscarded)
	}

	var errResp map[string]string
	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/stats/SOL-USDT", &errResp))
	assert.Contains(t, errResp["error"], "SOL-USDT")
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(nil, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
