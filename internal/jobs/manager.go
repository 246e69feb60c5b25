// Package jobs is the file-backed control plane for on-demand prefetch
// runs: one JSON record per job, a single global lock serializing
// execution, and cooperative cancellation through a flag and a cancel file.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/tdxsync/cache"
	"github.com/briangreenhill/tdxsync/internal/metrics"
	"github.com/briangreenhill/tdxsync/tdx"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
)

var (
	ErrJobExists   = errors.New("jobs: an identical job already exists")
	ErrJobLocked   = errors.New("jobs: another job holds the execution lock")
	ErrJobNotFound = errors.New("jobs: job not found")
)

// maxConsecutiveErrors bounds how many failed runs a job tolerates before
// it cancels itself rather than loop forever.
const maxConsecutiveErrors = 10

// JobError is the serialized form of a run failure.
type JobError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Record is the persisted job state. Field names are part of the on-disk
// format and must not change.
type Record struct {
	JobID           string               `json:"job_id"`
	Status          Status               `json:"status"`
	CreatedAtUnix   int64                `json:"created_at_unix"`
	UpdatedAtUnix   int64                `json:"updated_at_unix"`
	City            string               `json:"city"`
	Datasets        []tdx.Dataset        `json:"datasets"`
	Reset           bool                 `json:"reset"`
	SleepSeconds    float64              `json:"sleep_seconds"`
	DatasetsPerRun  int                  `json:"datasets_per_run"`
	Runs            int                  `json:"runs"`
	DatasetOffset   int                  `json:"dataset_offset"`
	CancelRequested bool                 `json:"cancel_requested"`
	LastResults     []tdx.BulkResult     `json:"last_results"`
	Progress        *tdx.OverallProgress `json:"progress"`
	LastError       *JobError            `json:"last_error"`
}

// StartRequest describes a new prefetch job. Zero values take defaults.
type StartRequest struct {
	City           string        `json:"city"`
	Datasets       []tdx.Dataset `json:"datasets"`
	Reset          bool          `json:"reset"`
	SleepSeconds   float64       `json:"sleep_seconds"`
	DatasetsPerRun int           `json:"datasets_per_run"`
}

type Options struct {
	MaxPagesPerRun int
	MaxTimePerRun  time.Duration
}

type Manager struct {
	client *tdx.Client
	fc     *cache.FileCache
	dir    string
	opts   Options
	log    zerolog.Logger

	lockMu sync.Mutex
	recMu  sync.Mutex

	wg    sync.WaitGroup
	sleep func(time.Duration)
}

func NewManager(client *tdx.Client, opts Options, log zerolog.Logger) *Manager {
	if opts.MaxPagesPerRun <= 0 {
		opts.MaxPagesPerRun = client.Config().Bulk.MaxPagesPerCall
	}
	fc := client.Cache()
	return &Manager{
		client: client,
		fc:     fc,
		dir:    filepath.Join(fc.BaseDir(), "tdx_jobs"),
		opts:   opts,
		log:    log,
		sleep:  time.Sleep,
	}
}

// Wait blocks until every background execution unit has finished. Used at
// shutdown and in tests.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) jobPath(jobID string) string {
	return filepath.Join(m.dir, jobID+".json")
}

func (m *Manager) cancelPath(jobID string) string {
	return filepath.Join(m.dir, jobID+".cancel")
}

// jobID derives a stable prefix from the request shape plus a random suffix
// so reruns of the same shape stay distinguishable.
func jobID(req StartRequest) string {
	canonical, _ := json.Marshal(req)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:12] + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func validDatasets(in []tdx.Dataset) ([]tdx.Dataset, error) {
	if len(in) == 0 {
		out := make([]tdx.Dataset, len(tdx.AllDatasets))
		copy(out, tdx.AllDatasets)
		return out, nil
	}
	seen := map[tdx.Dataset]bool{}
	var out []tdx.Dataset
	for _, d := range in {
		if !d.Valid() {
			return nil, fmt.Errorf("jobs: unknown dataset %q", d)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out, nil
}

// Start validates the request, writes a queued record, and launches one
// background execution unit for it.
func (m *Manager) Start(req StartRequest) (*Record, error) {
	datasets, err := validDatasets(req.Datasets)
	if err != nil {
		return nil, err
	}
	if req.City == "" {
		req.City = m.client.City()
	}
	if req.SleepSeconds <= 0 {
		req.SleepSeconds = 1
	}
	if req.DatasetsPerRun <= 0 || req.DatasetsPerRun > len(datasets) {
		req.DatasetsPerRun = len(datasets)
	}

	if _, held := m.lockHeld(); held {
		return nil, ErrJobLocked
	}

	id := jobID(req)
	if _, err := os.Stat(m.jobPath(id)); err == nil {
		return nil, ErrJobExists
	}

	now := time.Now().Unix()
	rec := &Record{
		JobID:          id,
		Status:         StatusQueued,
		CreatedAtUnix:  now,
		UpdatedAtUnix:  now,
		City:           req.City,
		Datasets:       datasets,
		Reset:          req.Reset,
		SleepSeconds:   req.SleepSeconds,
		DatasetsPerRun: req.DatasetsPerRun,
	}
	if err := m.writeRecord(rec); err != nil {
		return nil, err
	}
	metrics.JobsStarted.Inc()
	m.log.Info().Str("job_id", id).Str("city", req.City).Int("datasets", len(datasets)).Msg("job accepted")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(id)
	}()
	return rec, nil
}

// Get returns the persisted record for jobID.
func (m *Manager) Get(jobID string) (*Record, error) {
	return m.readRecord(jobID)
}

// List returns all job records, newest first.
func (m *Manager) List() ([]*Record, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobs: list: %w", err)
	}
	var out []*Record
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || name == lockFileName {
			continue
		}
		rec, err := m.readRecord(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUnix > out[j].CreatedAtUnix })
	return out, nil
}

// Cancel requests cooperative cancellation of jobID. Already-terminal jobs
// are left untouched.
func (m *Manager) Cancel(jobID string) (*Record, error) {
	rec, err := m.readRecord(jobID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case StatusCanceled, StatusCompleted, StatusBlocked:
		return rec, nil
	}
	os.WriteFile(m.cancelPath(jobID), []byte("1"), 0o644)
	err = m.update(jobID, func(r *Record) { r.CancelRequested = true })
	if err != nil {
		return nil, err
	}
	return m.readRecord(jobID)
}

func (m *Manager) readRecord(jobID string) (*Record, error) {
	raw, err := os.ReadFile(m.jobPath(jobID))
	if err != nil {
		return nil, ErrJobNotFound
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("jobs: decode record %s: %w", jobID, err)
	}
	return &rec, nil
}

func (m *Manager) writeRecord(rec *Record) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("jobs: create dir: %w", err)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("jobs: encode record: %w", err)
	}
	tmp := m.jobPath(rec.JobID) + fmt.Sprintf(".tmp.%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("jobs: write record: %w", err)
	}
	if err := os.Rename(tmp, m.jobPath(rec.JobID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jobs: replace record: %w", err)
	}
	return nil
}

// update applies fn to the persisted record under the record mutex.
func (m *Manager) update(jobID string, fn func(*Record)) error {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	rec, err := m.readRecord(jobID)
	if err != nil {
		return err
	}
	fn(rec)
	rec.UpdatedAtUnix = time.Now().Unix()
	return m.writeRecord(rec)
}

func (m *Manager) canceled(jobID string, rec *Record) bool {
	if rec.CancelRequested {
		return true
	}
	_, err := os.Stat(m.cancelPath(jobID))
	return err == nil
}

// run is the background execution unit: acquire the lock or go blocked,
// then advance rotating dataset slices until overall progress is done or
// the job is canceled.
func (m *Manager) run(jobID string) {
	if !m.tryAcquireLock(jobID) {
		m.update(jobID, func(r *Record) { r.Status = StatusBlocked })
		m.log.Warn().Str("job_id", jobID).Msg("execution lock held; job blocked")
		return
	}
	defer m.releaseLock(jobID)
	defer os.Remove(m.cancelPath(jobID))

	m.update(jobID, func(r *Record) { r.Status = StatusRunning })

	consecutiveErrors := 0
	for {
		rec, err := m.readRecord(jobID)
		if err != nil {
			m.log.Error().Err(err).Str("job_id", jobID).Msg("job record unreadable; aborting")
			return
		}
		if m.canceled(jobID, rec) {
			m.update(jobID, func(r *Record) {
				r.Status = StatusCanceled
				r.CancelRequested = true
			})
			m.log.Info().Str("job_id", jobID).Msg("job canceled")
			return
		}

		slice := datasetSlice(rec.Datasets, rec.DatasetOffset, rec.DatasetsPerRun)
		results, runErr := m.client.PrefetchAll(context.Background(), tdx.PrefetchParams{
			City:               rec.City,
			Datasets:           slice,
			MaxPagesPerDataset: m.opts.MaxPagesPerRun,
			MaxTotalTime:       m.opts.MaxTimePerRun,
			Reset:              rec.Reset && rec.Runs == 0,
		})
		for _, r := range results {
			metrics.BulkPagesFetched.Add(float64(r.PagesFetched))
			metrics.BulkItemsAdded.Add(float64(r.ItemsAdded))
		}

		progress := tdx.OverallFor(m.fc, rec.City, m.client.Operators(), rec.Datasets)
		var jobErr *JobError
		if runErr != nil {
			jobErr = &JobError{Type: errType(runErr), Message: runErr.Error()}
			consecutiveErrors++
			m.log.Warn().Err(runErr).Str("job_id", jobID).Int("consecutive", consecutiveErrors).Msg("job run failed")
		} else {
			consecutiveErrors = 0
		}

		done := progress.Done
		m.update(jobID, func(r *Record) {
			r.Runs++
			r.DatasetOffset = (r.DatasetOffset + r.DatasetsPerRun) % len(r.Datasets)
			r.LastResults = results
			r.Progress = &progress
			r.LastError = jobErr
			if done {
				r.Status = StatusCompleted
			}
		})
		if done {
			m.log.Info().Str("job_id", jobID).Msg("job completed")
			return
		}
		if consecutiveErrors >= maxConsecutiveErrors {
			m.update(jobID, func(r *Record) {
				r.Status = StatusCanceled
				r.CancelRequested = true
			})
			m.log.Error().Str("job_id", jobID).Msg("job gave up after repeated failures")
			return
		}
		m.sleep(time.Duration(rec.SleepSeconds * float64(time.Second)))
	}
}

// datasetSlice returns up to n datasets starting at offset, wrapping around
// the end of the list.
func datasetSlice(datasets []tdx.Dataset, offset, n int) []tdx.Dataset {
	if len(datasets) == 0 {
		return nil
	}
	offset %= len(datasets)
	if n > len(datasets) {
		n = len(datasets)
	}
	out := make([]tdx.Dataset, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, datasets[(offset+i)%len(datasets)])
	}
	return out
}

func errType(err error) string {
	switch {
	case tdx.IsQuotaExceeded(err):
		return "quota"
	case errors.Is(err, tdx.ErrCredentialsMissing):
		return "credentials"
	case errors.Is(err, tdx.ErrUnexpectedShape):
		return "shape"
	default:
		return "error"
	}
}
