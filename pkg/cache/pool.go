// A pool distributes its keys across shards, each with its own lock, so concurrent requests touching different
// keys of the same content type don't contend on one mutex. Capacity is accounted for the pool as a whole.

package cache

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/plaza/pkg/utils"
)

// poolEntry is a single cached value. An entry is never mutated except for its access time; Set replaces it.
type poolEntry struct {
	data any
	// lastAccess is the unix nano timestamp of the latest read or write. It's atomic since Get only holds the shard's
	// read lock while touching it.
	lastAccess   atomic.Int64
	lastModified int64 // Unix nano timestamp of the write that created this entry.
}

type poolShard struct {
	mux     sync.RWMutex
	entries map[string]*poolEntry
}

// pool is a bounded key -> entry mapping for one content type.
type pool struct {
	contentType ContentType
	limit       int
	shards      []*poolShard
	size        atomic.Int64
	cleanupMux  sync.Mutex // Serializes cleanups so two inserts over the limit don't both evict a batch.
}

// newPool is the constructor for pool.
func newPool(contentType ContentType, limit, shardCount int) *pool {
	if limit <= 0 {
		utils.RaiseInvariant("cache", "non_positive_pool_limit",
			"Invalid limit has been given to a cache pool.", "type", contentType, "limit", limit)
		limit = 1
	}
	if shardCount <= 0 {
		utils.RaiseInvariant("cache", "non_positive_shard_count",
			"Invalid shard count has been given to a cache pool.", "type", contentType, "shardCount", shardCount)
		shardCount = 1
	}
	p := &pool{contentType: contentType, limit: limit, shards: make([]*poolShard, shardCount)}
	for i := range shardCount {
		p.shards[i] = &poolShard{entries: make(map[string]*poolEntry)}
	}
	return p
}

// getShard picks the shard owning `key`.
func (p *pool) getShard(key string) *poolShard {
	return p.shards[xxhash.Sum64String(key)%uint64(len(p.shards))]
}

func (p *pool) get(key string, now int64) (any, bool /*found*/) {
	shard := p.getShard(key)
	shard.mux.RLock()
	defer shard.mux.RUnlock()

	entry, found := shard.entries[key]
	if !found {
		return nil, false
	}
	entry.lastAccess.Store(now)
	return entry.data, true
}

func (p *pool) set(key string, data any, now int64) {
	entry := &poolEntry{data: data, lastModified: now}
	entry.lastAccess.Store(now)

	shard := p.getShard(key)
	shard.mux.Lock()
	defer shard.mux.Unlock()
	if _, exists := shard.entries[key]; !exists {
		p.size.Add(1)
	}
	shard.entries[key] = entry
}

func (p *pool) delete(key string) /*deleted*/ bool {
	shard := p.getShard(key)
	shard.mux.Lock()
	defer shard.mux.Unlock()
	if _, exists := shard.entries[key]; !exists {
		return false
	}
	delete(shard.entries, key)
	p.size.Add(-1)
	return true
}

// deleteIf removes every entry for which `shouldDelete` returns true and returns the number of removed entries.
func (p *pool) deleteIf(shouldDelete func(key string, entry *poolEntry) bool) int {
	deleted := 0
	for _, shard := range p.shards {
		shard.mux.Lock()
		for key, entry := range shard.entries {
			if shouldDelete(key, entry) {
				delete(shard.entries, key)
				p.size.Add(-1)
				deleted++
			}
		}
		shard.mux.Unlock()
	}
	return deleted
}

func (p *pool) len() int {
	return int(p.size.Load())
}

func (p *pool) keys() []string {
	keys := make([]string, 0, p.len())
	for _, shard := range p.shards {
		shard.mux.RLock()
		for key := range shard.entries {
			keys = append(keys, key)
		}
		shard.mux.RUnlock()
	}
	return keys
}

// evictionCount returns how many entries a cleanup removes from a pool holding `size` entries: a batch of 20%, or
// more when that isn't enough to bring the pool back within its limit.
func evictionCount(size, limit int) int {
	if size <= limit {
		return 0
	}
	return max(int(float64(size)*evictionRatio), size-limit)
}

// cleanupCandidate is a snapshot of one entry taken by cleanup.
type cleanupCandidate struct {
	key        string
	entry      *poolEntry
	lastAccess int64
}

// snapshot lists every entry, least recently accessed first.
func (p *pool) snapshot() []cleanupCandidate {
	candidates := make([]cleanupCandidate, 0, p.len())
	for _, shard := range p.shards {
		shard.mux.RLock()
		for key, entry := range shard.entries {
			candidates = append(candidates, cleanupCandidate{key: key, entry: entry, lastAccess: entry.lastAccess.Load()})
		}
		shard.mux.RUnlock()
	}
	slices.SortFunc(candidates, func(a, b cleanupCandidate) int {
		return cmp.Or(cmp.Compare(a.lastAccess, b.lastAccess), cmp.Compare(a.key, b.key))
	})
	return candidates
}

// evict removes candidates in order until at least a batch is gone and the pool is back within its limit.
// Candidates overwritten since the snapshot are skipped and the next ones take their place.
func (p *pool) evict(candidates []cleanupCandidate) int {
	batch := evictionCount(len(candidates), p.limit)
	evicted := 0
	for _, victim := range candidates {
		if evicted >= batch && p.len() <= p.limit {
			break
		}
		shard := p.getShard(victim.key)
		shard.mux.Lock()
		if current, exists := shard.entries[victim.key]; exists && current == victim.entry {
			delete(shard.entries, victim.key)
			p.size.Add(-1)
			evicted++
		}
		shard.mux.Unlock()
	}
	return evicted
}

// cleanup evicts the least recently accessed entries once the pool is over its limit. It returns the number
// of evicted entries.
func (p *pool) cleanup() int {
	p.cleanupMux.Lock()
	defer p.cleanupMux.Unlock()

	if p.len() <= p.limit {
		return 0
	}
	return p.evict(p.snapshot())
}
