package cache

import "sync/atomic"

// Stats tracks best-effort cache usage counters. They exist for observability
// only and never influence cache behavior.
type Stats struct {
	hits           atomic.Int64
	misses         atomic.Int64
	expired        atomic.Int64
	sets           atomic.Int64
	staleReads     atomic.Int64
	staleFallbacks atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Expired        int64 `json:"expired"`
	Sets           int64 `json:"sets"`
	StaleReads     int64 `json:"stale_reads"`
	StaleFallbacks int64 `json:"stale_fallbacks"`
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Expired:        s.expired.Load(),
		Sets:           s.sets.Load(),
		StaleReads:     s.staleReads.Load(),
		StaleFallbacks: s.staleFallbacks.Load(),
	}
}
