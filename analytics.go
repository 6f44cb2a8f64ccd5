package mediacache

import "sync/atomic"

// Analytics accumulates cache access counters. A single instance is shared by
// the downloader, session pool, disk guardian, and reapers so that every
// eviction path is counted through the same object.
type Analytics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewAnalytics creates a fresh set of counters.
func NewAnalytics() *Analytics {
	return &Analytics{}
}

// RecordHit increments the hit counter.
func (a *Analytics) RecordHit() {
	a.hits.Add(1)
}

// RecordMiss increments the miss counter.
func (a *Analytics) RecordMiss() {
	a.misses.Add(1)
}

// RecordEviction increments the eviction counter by n.
func (a *Analytics) RecordEviction(n int64) {
	a.evictions.Add(n)
}

// Hits returns the accumulated hit count.
func (a *Analytics) Hits() int64 { return a.hits.Load() }

// Misses returns the accumulated miss count.
func (a *Analytics) Misses() int64 { return a.misses.Load() }

// Evictions returns the accumulated eviction count.
func (a *Analytics) Evictions() int64 { return a.evictions.Load() }

// HitRate returns hits / (hits + misses), or 0.0 before any access.
func (a *Analytics) HitRate() float64 {
	hits := a.hits.Load()
	total := hits + a.misses.Load()
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

// Snapshot is a read-only view of cache state for diagnostics surfaces.
// It is rebuilt on every query and never mutated by callers.
type Snapshot struct {
	HitCount             int64            `json:"hit_count"`
	MissCount            int64            `json:"miss_count"`
	EvictionCount        int64            `json:"eviction_count"`
	HitRate              float64          `json:"hit_rate"`
	TotalSize            int64            `json:"total_size"`
	ItemCount            int              `json:"item_count"`
	ActiveSessions       int              `json:"active_sessions"`
	PriorityDistribution map[Priority]int `json:"priority_distribution"`
}
