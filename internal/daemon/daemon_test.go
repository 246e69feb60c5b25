package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/tdxsync/cache"
	"github.com/briangreenhill/tdxsync/tdx"
)

func testDaemon(t *testing.T, handler http.HandlerFunc, opts Options, mutate func(*tdx.Config)) (*Daemon, *atomic.Int64) {
	t.Helper()
	var dataCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		dataCalls.Add(1)
		handler(w, r)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	cfg := tdx.DefaultConfig()
	cfg.BaseURL = ts.URL
	cfg.TokenURL = ts.URL + "/token"
	cfg.ClientID = "id"
	cfg.ClientSecret = "secret"
	cfg.Retry.MaxAttempts = 0
	cfg.Retry.BaseDelay = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	fc := cache.New(t.TempDir(), true, time.Hour)
	client := tdx.New(cfg, fc)

	if opts.StatePath == "" {
		opts.StatePath = filepath.Join(fc.BaseDir(), "tdx_daemon", "state.json")
	}
	d := New(client, opts, zerolog.Nop())
	d.sleep = func(context.Context, time.Duration) {}
	d.randInt = func(int64) int64 { return 0 }
	d.randPct = func() float64 { return 1 } // no probabilistic saves in tests
	return d, &dataCalls
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := newState()
	s.Cursor = 3
	s.Consecutive429 = 1
	s.CityCooldownUntilUnix["Taipei"] = 42
	require.NoError(t, s.Save(path))

	// On-disk key names are pinned.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Contains(t, onDisk, "cursor")
	require.Contains(t, onDisk, "city_last_dynamic_unix")
	require.Contains(t, onDisk, "city_last_static_refresh_unix")
	require.Contains(t, onDisk, "city_cooldown_until_unix")
	require.Contains(t, onDisk, "consecutive_429")

	loaded := LoadState(path)
	require.Equal(t, 3, loaded.Cursor)
	require.Equal(t, 1, loaded.Consecutive429)
	require.EqualValues(t, 42, loaded.CityCooldownUntilUnix["Taipei"])
}

func TestLoadStateToleratesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	s := LoadState(path)
	require.NotNil(t, s)
	require.Zero(t, s.Cursor)
	require.NotNil(t, s.CityCooldownUntilUnix)
}

func TestRepeatedQuotaErrorsTriggerCooldown(t *testing.T) {
	d, dataCalls := testDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, Options{
		Cities:   []string{"Taipei"},
		Cooldown: 15 * time.Minute,
	}, nil)

	base := d.now().Unix()
	d.iterate(context.Background())
	require.Equal(t, 1, d.state.Consecutive429)
	require.Zero(t, d.state.CityCooldownUntilUnix["Taipei"])

	d.iterate(context.Background())
	require.Equal(t, 2, d.state.Consecutive429)
	until := d.state.CityCooldownUntilUnix["Taipei"]
	require.GreaterOrEqual(t, until, base+int64(900))

	// While cooling down the city is skipped entirely.
	before := dataCalls.Load()
	d.iterate(context.Background())
	require.Equal(t, before, dataCalls.Load())
	require.Equal(t, 2, d.state.Consecutive429)
}

func TestCooldownSkipMakesNoRequests(t *testing.T) {
	d, dataCalls := testDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, Options{Cities: []string{"Taipei"}}, nil)

	d.state.CityCooldownUntilUnix["Taipei"] = d.now().Add(time.Hour).Unix()
	d.iterate(context.Background())
	require.Zero(t, dataCalls.Load())
}

func TestSuccessResetsQuotaStreak(t *testing.T) {
	fail := true
	d, _ := testDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		// Always a full page, so static ingestion never finishes and
		// every iteration keeps hitting the upstream.
		w.Write([]byte(`[{"StopUID":"a","RouteUID":"a","StationUID":"a","ParkingLotUID":"a"}]`))
	}, Options{Cities: []string{"Taipei"}}, func(cfg *tdx.Config) {
		for d, q := range cfg.Queries {
			q.Top = 1
			cfg.Queries[d] = q
		}
	})

	d.iterate(context.Background())
	require.Equal(t, 1, d.state.Consecutive429)

	// One success between quota errors breaks the streak, so no cooldown.
	fail = false
	d.iterate(context.Background())
	require.Zero(t, d.state.Consecutive429)

	fail = true
	d.iterate(context.Background())
	require.Equal(t, 1, d.state.Consecutive429)
	require.Zero(t, d.state.CityCooldownUntilUnix["Taipei"])
}

func TestRoundRobinAdvancesThroughCities(t *testing.T) {
	d, _ := testDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}, Options{Cities: []string{"Taipei", "Taichung", "Tainan"}}, nil)

	require.Zero(t, d.state.Cursor)
	d.iterate(context.Background())
	require.Equal(t, 1, d.state.Cursor)
	d.iterate(context.Background())
	d.iterate(context.Background())
	require.Zero(t, d.state.Cursor)
}

func TestGlobalRefreshResetsBulkState(t *testing.T) {
	d, _ := testDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"StopUID":"a"}]`))
	}, Options{
		Cities:            []string{"Taipei"},
		StaticRefreshDays: 30,
	}, nil)
	fc := d.client.Cache()

	// Ingest everything, then age the refresh stamp past the interval.
	for !tdx.AllStaticDone(fc, "Taipei", d.client.Operators()) {
		d.iterate(context.Background())
	}
	d.state.CityLastStaticRefreshUnix[globalKey] = d.now().Add(-31 * 24 * time.Hour).Unix()

	d.maybeGlobalRefresh(d.now().Unix())
	require.False(t, tdx.AllStaticDone(fc, "Taipei", d.client.Operators()))
	require.Greater(t, d.state.CityLastStaticRefreshUnix[globalKey], int64(0))
}

func TestDynamicRefreshStampsAndThrottlesByInterval(t *testing.T) {
	d, dataCalls := testDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}, Options{
		Cities:          []string{"Taipei"},
		DynamicRefresh:  true,
		DynamicInterval: time.Hour,
	}, nil)

	// The first pass finishes static ingestion and refreshes dynamic data.
	d.iterate(context.Background())
	require.Positive(t, dataCalls.Load())
	require.Positive(t, d.state.CityLastDynamicUnix["Taipei"])

	// Static is done and the dynamic interval has not elapsed, so the next
	// pass makes no requests at all.
	before := dataCalls.Load()
	d.iterate(context.Background())
	require.Equal(t, before, dataCalls.Load())
}
