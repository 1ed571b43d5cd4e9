package monitor

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrun/profittaker/internal/broker"
	"github.com/quantrun/profittaker/internal/events"
	"github.com/quantrun/profittaker/internal/market"
	"github.com/quantrun/profittaker/internal/metrics"
	"github.com/quantrun/profittaker/internal/track"
)

func TestBeat_UpdatesGauges(t *testing.T) {
	store := track.NewStore()
	now := time.Now().UTC()
	store.Seed([]broker.Position{
		{Symbol: "NVDA", Qty: 10, EntryPrice: 100},
		{Symbol: "AAPL", Qty: 5, EntryPrice: 200},
	}, 100, 14, now)

	// NVDA has a fresh bar and an armed trail; AAPL has never priced.
	ok := store.Apply("NVDA", func(tr *track.Tracked) {
		tr.Tracker.Record(market.Synthetic(now, 104))
		tr.LastUpdate = now
		tr.Trail = track.TrailState{Active: true, PeakPrice: 104, StopPrice: 102.4}
		tr.State = track.Trailing
	})
	require.True(t, ok)

	reg := metrics.New()
	m := New(store, reg, nil, time.Minute, 3*time.Minute)
	m.beat(now.Add(time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.ActivePositions))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.TrailingArmed))
	assert.InDelta(t, 1.0, testutil.ToFloat64(reg.DataStaleness.WithLabelValues("NVDA")), 0.1)
}

func TestBeat_EmptyStore(t *testing.T) {
	reg := metrics.New()
	m := New(track.NewStore(), reg, nil, time.Minute, 3*time.Minute)

	m.beat(time.Now().UTC())
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.ActivePositions))
}

func TestBeat_StaleTickerLogsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	store := track.NewStore()
	now := time.Now().UTC()
	store.Seed([]broker.Position{
		{Symbol: "NVDA", Qty: 10, EntryPrice: 100},
	}, 100, 14, now.Add(-10*time.Minute))

	m := New(store, metrics.New(), nil, time.Minute, 3*time.Minute)
	m.beat(now)

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"stale":true`)
	assert.Contains(t, out, `"stale":1`)
}

func TestBeat_WritesHeartbeatRecords(t *testing.T) {
	store := track.NewStore()
	now := time.Now().UTC()
	store.Seed([]broker.Position{
		{Symbol: "NVDA", Qty: 10, EntryPrice: 100},
	}, 100, 14, now)

	w, err := events.NewWriter(t.TempDir(), "heartbeats", now)
	require.NoError(t, err)

	m := New(store, metrics.New(), w, time.Minute, 3*time.Minute)
	m.beat(now)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"symbol":"NVDA"`)
	assert.Contains(t, string(data), `"state":"WATCHING"`)
}

func TestGainPct(t *testing.T) {
	v := track.View{
		Position:  broker.Position{EntryPrice: 100},
		LastPrice: 104,
		HasPrice:  true,
	}
	assert.InDelta(t, 0.04, gainPct(v), 1e-9)

	v.HasPrice = false
	assert.Zero(t, gainPct(v))
}
