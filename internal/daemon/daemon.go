// Package daemon runs the background ingestion scheduler: a round-robin
// sweep over cities that advances static bulk ingestion a little at a time,
// refreshes dynamic availability on an interval, and backs off with per-city
// cooldowns when the upstream quota pushes back.
package daemon

import (
	"context"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/tdxsync/cache"
	"github.com/briangreenhill/tdxsync/internal/metrics"
	"github.com/briangreenhill/tdxsync/tdx"
)

// DefaultCities is every city the upstream serves data for.
var DefaultCities = []string{
	"Taipei", "NewTaipei", "Taoyuan", "Taichung", "Tainan", "Kaohsiung",
	"Keelung", "Hsinchu", "HsinchuCounty", "MiaoliCounty", "ChanghuaCounty",
	"NantouCounty", "YunlinCounty", "ChiayiCounty", "Chiayi",
	"PingtungCounty", "YilanCounty", "HualienCounty", "TaitungCounty",
	"KinmenCounty", "PenghuCounty", "LienchiangCounty",
}

// cooldownThreshold is how many consecutive quota errors trigger a cooldown.
const cooldownThreshold = 2

// statePersistChance is the probability of persisting state on an iteration
// that changed nothing important. Important transitions always persist.
const statePersistChance = 0.1

type Options struct {
	Cities            []string
	Sleep             time.Duration
	StaticPagesPerRun int
	StaticTimePerRun  time.Duration
	DynamicRefresh    bool
	DynamicInterval   time.Duration
	Cooldown          time.Duration
	StaticRefreshDays float64
	StatePath         string
}

type Daemon struct {
	client *tdx.Client
	fc     *cache.FileCache
	opts   Options
	log    zerolog.Logger
	state  *State

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)
	randInt func(n int64) int64
	randPct func() float64
}

func New(client *tdx.Client, opts Options, log zerolog.Logger) *Daemon {
	if len(opts.Cities) == 0 {
		opts.Cities = DefaultCities
	}
	if opts.Sleep <= 0 {
		opts.Sleep = 3 * time.Second
	}
	if opts.StaticPagesPerRun <= 0 {
		opts.StaticPagesPerRun = 1
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 15 * time.Minute
	}
	if opts.DynamicInterval <= 0 {
		opts.DynamicInterval = 15 * time.Minute
	}
	fc := client.Cache()
	if opts.StatePath == "" && fc != nil {
		opts.StatePath = filepath.Join(fc.BaseDir(), "tdx_daemon", "state.json")
	}
	return &Daemon{
		client:  client,
		fc:      fc,
		opts:    opts,
		log:     log,
		state:   LoadState(opts.StatePath),
		now:     time.Now,
		sleep:   ctxSleep,
		randInt: rand.Int63n,
		randPct: rand.Float64,
	}
}

// State exposes the live scheduling state, for status reporting.
func (d *Daemon) State() *State { return d.state }

// Run drives the scheduler until ctx is canceled. State is persisted on the
// way out so the next run resumes where this one stopped.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info().
		Int("cities", len(d.opts.Cities)).
		Bool("dynamic_refresh", d.opts.DynamicRefresh).
		Str("state_path", d.opts.StatePath).
		Msg("daemon started")

	for {
		if err := ctx.Err(); err != nil {
			d.saveState()
			d.log.Info().Msg("daemon stopped")
			return err
		}
		d.iterate(ctx)
	}
}

// iterate performs one scheduling pass: a possible global refresh reset, one
// city's static and dynamic work, then the pacing sleeps.
func (d *Daemon) iterate(ctx context.Context) {
	metrics.DaemonIterations.Inc()
	now := d.now().Unix()

	d.maybeGlobalRefresh(now)

	if len(d.opts.Cities) == 0 {
		d.sleep(ctx, d.opts.Sleep)
		return
	}

	city := d.opts.Cities[d.state.Cursor%len(d.opts.Cities)]
	d.state.Cursor = (d.state.Cursor + 1) % len(d.opts.Cities)

	if until := d.state.CityCooldownUntilUnix[city]; until > now {
		d.log.Debug().Str("city", city).Int64("until", until).Msg("city cooling down; skipped")
		d.sleep(ctx, d.opts.Sleep)
		return
	}

	if !tdx.AllStaticDone(d.fc, city, d.client.Operators()) {
		results, err := d.client.PrefetchAll(ctx, tdx.PrefetchParams{
			City:               city,
			Datasets:           tdx.StaticDatasets,
			MaxPagesPerDataset: d.opts.StaticPagesPerRun,
			MaxTotalTime:       d.opts.StaticTimePerRun,
		})
		for _, r := range results {
			metrics.BulkPagesFetched.Add(float64(r.PagesFetched))
			metrics.BulkItemsAdded.Add(float64(r.ItemsAdded))
		}
		if err != nil {
			d.handleError(city, err)
			d.saveState()
			d.sleep(ctx, d.opts.Sleep)
			return
		}
		d.state.Consecutive429 = 0
		d.log.Debug().Str("city", city).Int("scopes", len(results)).Msg("static ingestion advanced")
	}

	if d.opts.DynamicRefresh && now-d.state.CityLastDynamicUnix[city] >= int64(d.opts.DynamicInterval.Seconds()) {
		if err := d.client.RefreshDynamic(ctx, city); err != nil {
			d.handleError(city, err)
		} else {
			d.state.CityLastDynamicUnix[city] = d.now().Unix()
			d.state.Consecutive429 = 0
			d.log.Debug().Str("city", city).Msg("dynamic data refreshed")
		}
		d.saveState()
	}

	if d.randPct() < statePersistChance {
		d.saveState()
	}

	d.sleep(ctx, maxDuration(time.Second, d.opts.Sleep))
	d.sleep(ctx, maxDuration(500*time.Millisecond, d.opts.Sleep/5))
}

// maybeGlobalRefresh wipes all static bulk state once the configured number
// of days has passed, forcing a slow re-ingestion of everything.
func (d *Daemon) maybeGlobalRefresh(now int64) {
	if d.opts.StaticRefreshDays <= 0 {
		return
	}
	interval := int64(d.opts.StaticRefreshDays * 86400)
	last := d.state.CityLastStaticRefreshUnix[globalKey]
	if now-last < interval {
		return
	}
	d.log.Info().Float64("days", d.opts.StaticRefreshDays).Msg("periodic static refresh; resetting bulk state")
	tdx.ResetOperatorBulk(d.fc, d.client.Operators())
	for _, city := range d.opts.Cities {
		tdx.ResetCityBulk(d.fc, city)
	}
	d.state.CityLastStaticRefreshUnix[globalKey] = now
	d.saveState()
}

// handleError updates quota accounting and, past the threshold, puts the
// city on a jittered cooldown.
func (d *Daemon) handleError(city string, err error) {
	if !tdx.IsQuotaExceeded(err) {
		d.state.Consecutive429 = 0
		d.log.Warn().Err(err).Str("city", city).Msg("ingestion error")
		return
	}
	metrics.QuotaErrors.Inc()
	d.state.Consecutive429++
	d.log.Warn().
		Str("city", city).
		Int("consecutive", d.state.Consecutive429).
		Msg("quota exceeded")
	if d.state.Consecutive429 < cooldownThreshold {
		return
	}
	cd := int64(d.opts.Cooldown.Seconds())
	maxJitter := cd / 10
	if maxJitter < 30 {
		maxJitter = 30
	}
	until := d.now().Unix() + cd + d.randInt(maxJitter+1)
	d.state.CityCooldownUntilUnix[city] = until
	metrics.DaemonCooldowns.Inc()
	d.log.Warn().Str("city", city).Int64("until", until).Msg("city placed on cooldown")
}

func (d *Daemon) saveState() {
	if d.opts.StatePath == "" {
		return
	}
	if err := d.state.Save(d.opts.StatePath); err != nil {
		d.log.Warn().Err(err).Msg("state save failed")
	}
}

func ctxSleep(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
