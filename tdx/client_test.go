package tdx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/tdxsync/cache"
)

type testUpstream struct {
	*httptest.Server
	tokenMints atomic.Int64
	dataCalls  atomic.Int64
}

// newTestUpstream serves a client-credentials token endpoint at /token and
// delegates everything else to handler.
func newTestUpstream(t *testing.T, handler http.HandlerFunc) *testUpstream {
	t.Helper()
	up := &testUpstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		n := up.tokenMints.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600}`, n)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		up.dataCalls.Add(1)
		handler(w, r)
	})
	up.Server = httptest.NewServer(mux)
	t.Cleanup(up.Close)
	return up
}

func newTestClient(t *testing.T, up *testUpstream, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = up.URL
	cfg.TokenURL = up.URL + "/token"
	cfg.ClientID = "id"
	cfg.ClientSecret = "secret"
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	fc := cache.New(t.TempDir(), true, time.Hour)
	c := New(cfg, fc)
	c.sleep = func(time.Duration) {}
	return c
}

func TestMissingCredentialsFailsBeforeAnyRequest(t *testing.T) {
	up := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	})
	c := newTestClient(t, up, func(cfg *Config) {
		cfg.ClientID = ""
		cfg.ClientSecret = ""
	})

	_, err := c.GetList(context.Background(), up.URL+"/data", nil)
	require.ErrorIs(t, err, ErrCredentialsMissing)
	require.Zero(t, up.dataCalls.Load())
	require.Zero(t, up.tokenMints.Load())
}

func TestUnauthorizedTriggersOneFreeTokenRefresh(t *testing.T) {
	up := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"StopUID":"a"}]`))
	})
	// Zero retries: the refresh retry must still happen because it does not
	// consume the budget.
	c := newTestClient(t, up, func(cfg *Config) { cfg.Retry.MaxAttempts = 0 })

	items, err := c.GetList(context.Background(), up.URL+"/data", nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.EqualValues(t, 2, up.tokenMints.Load())
	require.EqualValues(t, 2, up.dataCalls.Load())
}

func TestRepeatedUnauthorizedIsFatal(t *testing.T) {
	up := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestClient(t, up, nil)

	_, err := c.GetList(context.Background(), up.URL+"/data", nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusUnauthorized, se.Status)
	require.EqualValues(t, 2, up.dataCalls.Load())
}

func TestRetryAfterRaisesBackoffDelay(t *testing.T) {
	var calls atomic.Int64
	up := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("[]"))
	})
	c := newTestClient(t, up, func(cfg *Config) {
		cfg.Retry.BaseDelay = time.Second
		cfg.Retry.MaxDelay = 10 * time.Second
	})
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := c.GetList(context.Background(), up.URL+"/data", nil)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{3 * time.Second}, slept)
}

func TestBackoffGrowsAndIsCapped(t *testing.T) {
	up := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, up, func(cfg *Config) {
		cfg.Retry.MaxAttempts = 3
		cfg.Retry.BaseDelay = time.Second
		cfg.Retry.MaxDelay = 3 * time.Second
	})
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := c.GetList(context.Background(), up.URL+"/data", nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusServiceUnavailable, se.Status)
	require.EqualValues(t, 4, up.dataCalls.Load())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, slept)
}

func TestNonRetryableStatusFailsFast(t *testing.T) {
	up := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	c := newTestClient(t, up, nil)

	_, err := c.GetList(context.Background(), up.URL+"/data", nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusForbidden, se.Status)
	require.EqualValues(t, 1, up.dataCalls.Load())
}

func TestFetchFullListStopsOnShortPage(t *testing.T) {
	all := []map[string]any{
		{"StopUID": "a"}, {"StopUID": "b"}, {"StopUID": "c"},
	}
	var skips []string
	up := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		skips = append(skips, r.URL.Query().Get("$skip"))
		skip := 0
		fmt.Sscanf(r.URL.Query().Get("$skip"), "%d", &skip)
		end := skip + 2
		if end > len(all) {
			end = len(all)
		}
		if skip > len(all) {
			skip = len(all)
		}
		json.NewEncoder(w).Encode(all[skip:end])
	})
	c := newTestClient(t, up, nil)

	items, err := c.FetchFullList(context.Background(), up.URL+"/data", 2, "StopUID")
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, []string{"0", "2"}, skips)
}

func TestNonArrayBodyIsUnexpectedShape(t *testing.T) {
	up := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":"nope"}`))
	})
	c := newTestClient(t, up, nil)

	_, err := c.GetList(context.Background(), up.URL+"/data", nil)
	require.ErrorIs(t, err, ErrUnexpectedShape)
}

func TestListParams(t *testing.T) {
	v := listParams(100, 200, "StopUID,StopName")
	require.Equal(t, url.Values{
		"$format": {"JSON"},
		"$top":    {"100"},
		"$skip":   {"200"},
		"$select": {"StopUID,StopName"},
	}, v)
}

func TestClassify(t *testing.T) {
	nf := &StatusError{Status: 404}
	bad := &StatusError{Status: 400}
	quota := &StatusError{Status: 429}
	forbidden := &StatusError{Status: 403}

	require.Equal(t, KindTerminalUnsupported, Classify(nf, DatasetBusStops))
	require.Equal(t, KindTerminalUnsupported, Classify(bad, DatasetBikeStations))
	require.Equal(t, KindTerminalUnsupported, Classify(bad, DatasetBikeAvailability))
	require.Equal(t, KindFatal, Classify(bad, DatasetBusStops))
	require.Equal(t, KindFatal, Classify(bad, DatasetParkingLots))
	require.Equal(t, KindTransient, Classify(quota, DatasetBusStops))
	require.Equal(t, KindFatal, Classify(forbidden, DatasetBusStops))
}

func TestIsQuotaExceeded(t *testing.T) {
	require.True(t, IsQuotaExceeded(&StatusError{Status: 429, URL: "x"}))
	require.True(t, IsQuotaExceeded(fmt.Errorf("wrapped: %w", &StatusError{Status: 429, URL: "x"})))
	require.True(t, IsQuotaExceeded(fmt.Errorf("upstream said too many requests")))
	require.False(t, IsQuotaExceeded(&StatusError{Status: 500}))
	require.False(t, IsQuotaExceeded(nil))
}
