package tdx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/briangreenhill/tdxsync/cache"
)

const bulkSubdir = "tdx_bulk"

// Progress is the on-disk resume record for one (dataset, scope). Field
// names are part of the persisted format and must not change.
type Progress struct {
	Dataset           Dataset `json:"dataset"`
	Scope             Scope   `json:"scope"`
	NextSkip          int     `json:"next_skip"`
	Top               int     `json:"top"`
	Done              bool    `json:"done"`
	ErrorStatus       int     `json:"error_status,omitempty"`
	ErrorMessage      string  `json:"error,omitempty"`
	ErrorCount        int     `json:"error_count,omitempty"`
	LastErrorAtUnix   int64   `json:"last_error_at_unix,omitempty"`
	UpdatedAtUnix     int64   `json:"updated_at_unix"`
	Unsupported       bool    `json:"unsupported,omitempty"`
	UnsupportedReason string  `json:"unsupported_reason,omitempty"`
}

// BulkResult summarizes one bulk-ingestion call.
type BulkResult struct {
	Dataset      Dataset `json:"dataset"`
	Scope        Scope   `json:"scope"`
	PagesFetched int     `json:"pages_fetched"`
	ItemsAdded   int     `json:"items_added"`
	TotalItems   int     `json:"total_items"`
	NextSkip     int     `json:"next_skip"`
	Done         bool    `json:"done"`
}

// BulkPaths returns the data and progress file paths for a (dataset, scope).
func BulkPaths(fc *cache.FileCache, d Dataset, scope Scope) (dataPath, progressPath string) {
	dir := filepath.Join(fc.BaseDir(), bulkSubdir, string(d))
	return filepath.Join(dir, string(scope)+".json"),
		filepath.Join(dir, string(scope)+".progress.json")
}

// ReadBulkData loads the accumulated records for a (dataset, scope).
// Missing or unreadable files read as empty.
func ReadBulkData(fc *cache.FileCache, d Dataset, scope Scope) []map[string]any {
	dataPath, _ := BulkPaths(fc, d, scope)
	raw, err := os.ReadFile(dataPath)
	if err != nil {
		return nil
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

// ReadBulkProgress loads the resume record for a (dataset, scope). A missing
// or corrupt file reads as fresh progress at skip 0.
func ReadBulkProgress(fc *cache.FileCache, d Dataset, scope Scope) Progress {
	fresh := Progress{Dataset: d, Scope: scope}
	_, progressPath := BulkPaths(fc, d, scope)
	raw, err := os.ReadFile(progressPath)
	if err != nil {
		return fresh
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return fresh
	}
	p.Dataset = d
	p.Scope = scope
	return p
}

// BulkUnsupported reports whether the (dataset, scope) was marked
// terminally unsupported by a previous ingestion attempt.
func BulkUnsupported(fc *cache.FileCache, d Dataset, scope Scope) bool {
	p := ReadBulkProgress(fc, d, scope)
	if p.Unsupported {
		return true
	}
	return p.ErrorStatus == http.StatusNotFound ||
		(p.ErrorStatus == http.StatusBadRequest && d.unsupportedOn400())
}

// ResetBulk removes the persisted data and progress for a (dataset, scope),
// including any terminal-unsupported marker.
func ResetBulk(fc *cache.FileCache, d Dataset, scope Scope) {
	dataPath, progressPath := BulkPaths(fc, d, scope)
	os.Remove(dataPath)
	os.Remove(progressPath)
}

// ResetCityBulk clears bulk state for every city-scoped dataset in a city.
func ResetCityBulk(fc *cache.FileCache, city string) {
	for _, d := range AllDatasets {
		if d.OperatorScoped() {
			continue
		}
		ResetBulk(fc, d, CityScope(city))
	}
}

// ResetOperatorBulk clears bulk state for operator-scoped datasets.
func ResetOperatorBulk(fc *cache.FileCache, operators []string) {
	for _, op := range operators {
		ResetBulk(fc, DatasetMetroStations, OperatorScope(op))
	}
}

func writeBulkJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("tdx: create bulk dir: %w", err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("tdx: encode bulk state: %w", err)
	}
	tmp := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("tdx: write bulk state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("tdx: replace bulk state: %w", err)
	}
	return nil
}

// mergeByKey upserts incoming records into existing by keyField, keeping
// first-seen order and dropping records without a key.
func mergeByKey(existing, incoming []map[string]any, keyField string) (merged []map[string]any, added int) {
	index := make(map[string]int, len(existing))
	merged = make([]map[string]any, 0, len(existing)+len(incoming))
	for _, item := range existing {
		k := recordKey(item, keyField)
		if k == "" {
			continue
		}
		if _, seen := index[k]; seen {
			continue
		}
		index[k] = len(merged)
		merged = append(merged, item)
	}
	for _, item := range incoming {
		k := recordKey(item, keyField)
		if k == "" {
			continue
		}
		if i, seen := index[k]; seen {
			merged[i] = item
			continue
		}
		index[k] = len(merged)
		merged = append(merged, item)
		added++
	}
	return merged, added
}

func recordKey(item map[string]any, keyField string) string {
	v, ok := item[keyField]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// PageBatchParams drive one FetchPageBatch call.
type PageBatchParams struct {
	Dataset  Dataset
	Scope    Scope
	Endpoint string
	Top      int
	Select   string
	MaxPages int
	MaxTime  time.Duration // 0 means no time budget
	Reset    bool
}

// FetchPageBatch advances bulk ingestion for one (dataset, scope) by up to
// MaxPages pages within MaxTime, persisting data and progress after every
// page so a crash never loses completed work.
//
// Structurally missing endpoints (404 always, 400 on the bike datasets) are
// recorded as terminally unsupported and reported as done with a nil error.
// Other failures update the progress error fields and are returned.
func (c *Client) FetchPageBatch(ctx context.Context, p PageBatchParams) (BulkResult, error) {
	if c.cache == nil || !c.cache.Enabled() {
		return BulkResult{}, errors.New("tdx: bulk ingestion requires an enabled cache")
	}
	if p.Top <= 0 {
		p.Top = c.cfg.query(p.Dataset).Top
	}
	if p.Select == "" {
		p.Select = c.cfg.query(p.Dataset).Select
	}
	if p.MaxPages <= 0 {
		p.MaxPages = 1
	}

	dataPath, progressPath := BulkPaths(c.cache, p.Dataset, p.Scope)
	if p.Reset {
		ResetBulk(c.cache, p.Dataset, p.Scope)
	}

	data := ReadBulkData(c.cache, p.Dataset, p.Scope)
	prog := ReadBulkProgress(c.cache, p.Dataset, p.Scope)
	prog.Top = p.Top

	res := BulkResult{
		Dataset:    p.Dataset,
		Scope:      p.Scope,
		TotalItems: len(data),
		NextSkip:   prog.NextSkip,
		Done:       prog.Done,
	}
	if prog.Done || prog.Unsupported {
		res.Done = true
		return res, nil
	}

	keyField := p.Dataset.KeyField()
	start := time.Now()

	for page := 0; page < p.MaxPages; page++ {
		if p.MaxTime > 0 && time.Since(start) >= p.MaxTime {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		items, err := c.GetList(ctx, p.Endpoint, listParams(p.Top, prog.NextSkip, p.Select))
		if err != nil {
			now := time.Now().Unix()
			prog.ErrorCount++
			prog.ErrorMessage = err.Error()
			prog.LastErrorAtUnix = now
			prog.UpdatedAtUnix = now
			var se *StatusError
			if errors.As(err, &se) {
				prog.ErrorStatus = se.Status
			} else {
				prog.ErrorStatus = 0
			}
			if Classify(err, p.Dataset) == KindTerminalUnsupported {
				prog.Unsupported = true
				prog.UnsupportedReason = fmt.Sprintf("http_%d", prog.ErrorStatus)
				prog.Done = true
				if werr := writeBulkJSON(progressPath, prog); werr != nil {
					return res, werr
				}
				c.log.Info().
					Str("dataset", string(p.Dataset)).
					Str("scope", string(p.Scope)).
					Int("status", prog.ErrorStatus).
					Msg("bulk scope marked unsupported")
				res.Done = true
				return res, nil
			}
			if werr := writeBulkJSON(progressPath, prog); werr != nil {
				return res, werr
			}
			return res, err
		}

		var added int
		data, added = mergeByKey(data, items, keyField)
		res.PagesFetched++
		res.ItemsAdded += added
		res.TotalItems = len(data)

		if len(items) < p.Top {
			prog.Done = true
		} else {
			prog.NextSkip += p.Top
		}
		prog.ErrorStatus = 0
		prog.ErrorMessage = ""
		prog.UpdatedAtUnix = time.Now().Unix()

		if data == nil {
			data = []map[string]any{}
		}
		if err := writeBulkJSON(dataPath, data); err != nil {
			return res, err
		}
		if err := writeBulkJSON(progressPath, prog); err != nil {
			return res, err
		}

		res.NextSkip = prog.NextSkip
		res.Done = prog.Done
		if prog.Done {
			break
		}
	}

	c.log.Debug().
		Str("dataset", string(p.Dataset)).
		Str("scope", string(p.Scope)).
		Int("pages", res.PagesFetched).
		Int("items_added", res.ItemsAdded).
		Int("total_items", res.TotalItems).
		Bool("done", res.Done).
		Msg("bulk page batch")
	return res, nil
}

// PrefetchParams drive one PrefetchAll sweep.
type PrefetchParams struct {
	City               string
	Datasets           []Dataset
	MaxPagesPerDataset int
	MaxTotalTime       time.Duration // shared across datasets; 0 means no budget
	Reset              bool
}

// PrefetchAll advances bulk ingestion for each requested dataset in order,
// sharing one time budget across the whole sweep. Metro stations expand to
// one sub-scope per configured operator. Results accumulated before an
// error are returned alongside it.
func (c *Client) PrefetchAll(ctx context.Context, p PrefetchParams) ([]BulkResult, error) {
	city := p.City
	if city == "" {
		city = c.cfg.City
	}
	datasets := p.Datasets
	if len(datasets) == 0 {
		datasets = AllDatasets
	}
	if p.MaxPagesPerDataset <= 0 {
		p.MaxPagesPerDataset = c.cfg.Bulk.MaxPagesPerCall
	}

	start := time.Now()
	remaining := func() (time.Duration, bool) {
		if p.MaxTotalTime <= 0 {
			return 0, true
		}
		left := p.MaxTotalTime - time.Since(start)
		return left, left > 0
	}

	var results []BulkResult
	for _, d := range datasets {
		if !d.Valid() {
			return results, fmt.Errorf("tdx: unknown dataset %q", d)
		}
		scopeValues := []string{city}
		if d.OperatorScoped() {
			scopeValues = c.cfg.Operators
		}
		for _, sv := range scopeValues {
			left, ok := remaining()
			if !ok {
				return results, nil
			}
			q := c.cfg.query(d)
			res, err := c.FetchPageBatch(ctx, PageBatchParams{
				Dataset:  d,
				Scope:    d.scopeFor(city, sv),
				Endpoint: c.endpoint(d, sv),
				Top:      q.Top,
				Select:   q.Select,
				MaxPages: p.MaxPagesPerDataset,
				MaxTime:  left,
				Reset:    p.Reset,
			})
			if err != nil {
				return results, err
			}
			results = append(results, res)
		}
	}
	return results, nil
}

// ScopeProgress is one row of an overall progress report.
type ScopeProgress struct {
	Dataset       Dataset `json:"dataset"`
	Scope         Scope   `json:"scope"`
	Done          bool    `json:"done"`
	Unsupported   bool    `json:"unsupported,omitempty"`
	NextSkip      int     `json:"next_skip"`
	Top           int     `json:"top"`
	Items         int     `json:"items"`
	ErrorStatus   int     `json:"error_status,omitempty"`
	UpdatedAtUnix int64   `json:"updated_at_unix"`
}

// OverallProgress aggregates bulk state across every expected scope.
type OverallProgress struct {
	Done       bool            `json:"done"`
	DoneCount  int             `json:"done_count"`
	TotalCount int             `json:"total_count"`
	Scopes     []ScopeProgress `json:"scopes"`
}

// DatasetScope pairs a dataset with the scope it is ingested under.
type DatasetScope struct {
	Dataset Dataset
	Scope   Scope
}

// ExpectedScopes lists every (dataset, scope) a full ingestion of the given
// city and operators covers.
func ExpectedScopes(city string, operators []string) []DatasetScope {
	return ExpectedScopesFor(city, operators, AllDatasets)
}

// ExpectedScopesFor is ExpectedScopes restricted to specific datasets.
func ExpectedScopesFor(city string, operators []string, datasets []Dataset) []DatasetScope {
	var out []DatasetScope
	for _, d := range datasets {
		if d.OperatorScoped() {
			for _, op := range operators {
				out = append(out, DatasetScope{Dataset: d, Scope: OperatorScope(op)})
			}
			continue
		}
		out = append(out, DatasetScope{Dataset: d, Scope: CityScope(city)})
	}
	return out
}

// Overall builds a progress report across all expected scopes. Terminally
// unsupported scopes count as done.
func Overall(fc *cache.FileCache, city string, operators []string) OverallProgress {
	return OverallFor(fc, city, operators, AllDatasets)
}

// OverallFor reports progress for a specific set of datasets.
func OverallFor(fc *cache.FileCache, city string, operators []string, datasets []Dataset) OverallProgress {
	var report OverallProgress
	for _, ds := range ExpectedScopesFor(city, operators, datasets) {
		p := ReadBulkProgress(fc, ds.Dataset, ds.Scope)
		unsupported := BulkUnsupported(fc, ds.Dataset, ds.Scope)
		done := p.Done || unsupported
		report.Scopes = append(report.Scopes, ScopeProgress{
			Dataset:       ds.Dataset,
			Scope:         ds.Scope,
			Done:          done,
			Unsupported:   unsupported,
			NextSkip:      p.NextSkip,
			Top:           p.Top,
			Items:         len(ReadBulkData(fc, ds.Dataset, ds.Scope)),
			ErrorStatus:   p.ErrorStatus,
			UpdatedAtUnix: p.UpdatedAtUnix,
		})
		report.TotalCount++
		if done {
			report.DoneCount++
		}
	}
	report.Done = report.TotalCount > 0 && report.DoneCount == report.TotalCount
	return report
}

// AllStaticDone reports whether every static (dataset, scope) for the city
// has finished ingesting or is terminally unsupported.
func AllStaticDone(fc *cache.FileCache, city string, operators []string) bool {
	for _, d := range StaticDatasets {
		scopes := []Scope{CityScope(city)}
		if d.OperatorScoped() {
			scopes = scopes[:0]
			for _, op := range operators {
				scopes = append(scopes, OperatorScope(op))
			}
		}
		for _, s := range scopes {
			p := ReadBulkProgress(fc, d, s)
			if !p.Done && !BulkUnsupported(fc, d, s) {
				return false
			}
		}
	}
	return true
}
