// Package priority tracks the eviction priority assigned to each cached
// asset. The ledger is the single authority the disk guardian consults when
// it needs space back.
package priority

import (
	"sort"
	"sync"

	mediacache "github.com/wolfeidau/media-cache"
)

type entry struct {
	level mediacache.Priority
	seq   int64
}

// Ledger maps asset keys to priority levels. Assigning a key that already
// has a level overwrites it (last write wins) and refreshes its position in
// the eviction order. Safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	entries map[mediacache.Key]entry
	nextSeq int64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[mediacache.Key]entry),
	}
}

// Set assigns a priority level to a key, replacing any prior assignment.
func (l *Ledger) Set(key mediacache.Key, level mediacache.Priority) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = entry{level: level, seq: l.nextSeq}
	l.nextSeq++
}

// Get returns the priority assigned to a key. Keys with no assignment
// report PriorityMedium, the default for assets cached outside a warm
// request.
func (l *Ledger) Get(key mediacache.Key) mediacache.Priority {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.entries[key]; ok {
		return e.level
	}
	return mediacache.PriorityMedium
}

// Has reports whether a key has an explicit priority assignment.
func (l *Ledger) Has(key mediacache.Key) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[key]
	return ok
}

// Remove clears the assignment for a key. Removing an absent key is a no-op.
func (l *Ledger) Remove(key mediacache.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Clear removes every assignment.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[mediacache.Key]entry)
}

// Len returns the number of assignments.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// CandidatesAtOrBelow returns the keys assigned a priority at or below the
// given level, lowest priority first and oldest assignment first within a
// level. These are the eviction candidates for disk pressure.
func (l *Ledger) CandidatesAtOrBelow(level mediacache.Priority) []mediacache.Key {
	l.mu.RLock()
	type candidate struct {
		key mediacache.Key
		entry
	}
	candidates := make([]candidate, 0, len(l.entries))
	for k, e := range l.entries {
		if e.level <= level {
			candidates = append(candidates, candidate{key: k, entry: e})
		}
	}
	l.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].level != candidates[j].level {
			return candidates[i].level < candidates[j].level
		}
		return candidates[i].seq < candidates[j].seq
	})

	keys := make([]mediacache.Key, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	return keys
}

// Distribution returns the number of assignments at each priority level.
func (l *Ledger) Distribution() map[mediacache.Priority]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dist := make(map[mediacache.Priority]int)
	for _, e := range l.entries {
		dist[e.level]++
	}
	return dist
}
