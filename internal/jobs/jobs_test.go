package jobs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/tdxsync/cache"
	"github.com/briangreenhill/tdxsync/tdx"
)

func newTestManager(t *testing.T, handler http.HandlerFunc, mutate func(*tdx.Config)) *Manager {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/", handler)
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

	m := NewManager(client, Options{}, zerolog.Nop())
	m.sleep = func(time.Duration) {}
	return m
}

func shortPages(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`[{"StopUID":"a","RouteUID":"a","StationUID":"a","ParkingLotUID":"a"}]`))
}

func TestJobRunsToCompletion(t *testing.T) {
	m := newTestManager(t, shortPages, nil)

	rec, err := m.Start(StartRequest{City: "Taipei", Datasets: []tdx.Dataset{tdx.DatasetBusStops, tdx.DatasetBusRoutes}})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, rec.Status)
	require.NotEmpty(t, rec.JobID)

	m.Wait()

	got, err := m.Get(rec.JobID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Progress)
	require.True(t, got.Progress.Done)
	require.Positive(t, got.Runs)
	require.Nil(t, got.LastError)

	// The lock is released on completion.
	_, held := m.lockHeld()
	require.False(t, held)
}

func TestJobRecordShapeOnDisk(t *testing.T) {
	m := newTestManager(t, shortPages, nil)

	rec, err := m.Start(StartRequest{Datasets: []tdx.Dataset{tdx.DatasetBusStops}})
	require.NoError(t, err)
	m.Wait()

	raw, err := os.ReadFile(m.jobPath(rec.JobID))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	for _, key := range []string{
		"job_id", "status", "created_at_unix", "updated_at_unix", "city",
		"datasets", "reset", "sleep_seconds", "datasets_per_run", "runs",
		"dataset_offset", "cancel_requested", "last_results", "progress",
		"last_error",
	} {
		require.Contains(t, onDisk, key)
	}
	// The default city fills in when the request leaves it empty.
	require.Equal(t, "Taipei", onDisk["city"])
}

func TestStartRejectsUnknownDataset(t *testing.T) {
	m := newTestManager(t, shortPages, nil)
	_, err := m.Start(StartRequest{Datasets: []tdx.Dataset{"bogus"}})
	require.ErrorContains(t, err, "unknown dataset")
}

func TestStartRejectsWhenLockHeld(t *testing.T) {
	m := newTestManager(t, shortPages, nil)
	require.True(t, m.tryAcquireLock("someone-else"))

	_, err := m.Start(StartRequest{Datasets: []tdx.Dataset{tdx.DatasetBusStops}})
	require.ErrorIs(t, err, ErrJobLocked)
}

func TestStaleLockIsReclaimed(t *testing.T) {
	m := newTestManager(t, shortPages, nil)
	require.NoError(t, os.MkdirAll(m.dir, 0o755))
	stale := lockInfo{OwnerID: "dead", AcquiredAtUnix: time.Now().Add(-7 * time.Hour).Unix()}
	raw, _ := json.Marshal(stale)
	require.NoError(t, os.WriteFile(m.lockPath(), raw, 0o644))

	rec, err := m.Start(StartRequest{Datasets: []tdx.Dataset{tdx.DatasetBusStops}})
	require.NoError(t, err)
	m.Wait()

	got, err := m.Get(rec.JobID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}

func TestBlockedWhenLockAppearsAfterStart(t *testing.T) {
	m := newTestManager(t, shortPages, nil)
	// Hold the lock but bypass Start's pre-check by taking it between the
	// check and the goroutine via a fresh record written directly.
	require.True(t, m.tryAcquireLock("holder"))
	now := time.Now().Unix()
	rec := &Record{
		JobID: "abc123def456-00000000", Status: StatusQueued,
		CreatedAtUnix: now, UpdatedAtUnix: now,
		City: "Taipei", Datasets: []tdx.Dataset{tdx.DatasetBusStops},
		SleepSeconds: 1, DatasetsPerRun: 1,
	}
	require.NoError(t, m.writeRecord(rec))

	m.run(rec.JobID)

	got, err := m.Get(rec.JobID)
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, got.Status)
}

func TestCancelStopsRunningJob(t *testing.T) {
	release := make(chan struct{})
	var once bool
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if !once {
			once = true
			<-release
		}
		// Full pages forever: the job can only end by cancellation.
		w.Write([]byte(`[{"StopUID":"a"}]`))
	}, func(cfg *tdx.Config) {
		q := cfg.Queries[tdx.DatasetBusStops]
		q.Top = 1
		cfg.Queries[tdx.DatasetBusStops] = q
	})

	rec, err := m.Start(StartRequest{Datasets: []tdx.Dataset{tdx.DatasetBusStops}})
	require.NoError(t, err)

	canceled, err := m.Cancel(rec.JobID)
	require.NoError(t, err)
	require.True(t, canceled.CancelRequested)
	close(release)
	m.Wait()

	got, err := m.Get(rec.JobID)
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, got.Status)

	_, held := m.lockHeld()
	require.False(t, held)
}

func TestListReturnsNewestFirst(t *testing.T) {
	m := newTestManager(t, shortPages, nil)

	first, err := m.Start(StartRequest{Datasets: []tdx.Dataset{tdx.DatasetBusStops}})
	require.NoError(t, err)
	m.Wait()
	second, err := m.Start(StartRequest{Datasets: []tdx.Dataset{tdx.DatasetBusRoutes}})
	require.NoError(t, err)
	m.Wait()

	all, err := m.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	ids := []string{all[0].JobID, all[1].JobID}
	require.Contains(t, ids, first.JobID)
	require.Contains(t, ids, second.JobID)
	require.GreaterOrEqual(t, all[0].CreatedAtUnix, all[1].CreatedAtUnix)
}

func TestDatasetSliceWrapsAround(t *testing.T) {
	ds := []tdx.Dataset{tdx.DatasetBusStops, tdx.DatasetBusRoutes, tdx.DatasetBikeStations}
	require.Equal(t, []tdx.Dataset{tdx.DatasetBusStops, tdx.DatasetBusRoutes}, datasetSlice(ds, 0, 2))
	require.Equal(t, []tdx.Dataset{tdx.DatasetBikeStations, tdx.DatasetBusStops}, datasetSlice(ds, 2, 2))
	require.Equal(t, ds, datasetSlice(ds, 0, 5))
	require.Nil(t, datasetSlice(nil, 0, 2))
}

func TestGetUnknownJob(t *testing.T) {
	m := newTestManager(t, shortPages, nil)
	_, err := m.Get("nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}
