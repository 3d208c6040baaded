// The Manager owns one bounded pool per content type and a maintenance tick.
// Eviction Policy (batched LRU):
// Every read and write stamps the entry's access time. Once a pool grows past its limit, a cleanup sorts the pool by
// access time and drops the oldest 20% in one go (or more, if 20% doesn't bring it back within the limit). Evicting
// in batches amortizes the sort over the many inserts that follow instead of sorting on every insert near capacity.
//
// Staleness Policy (maintenance tick):
// A background goroutine wakes up every sync interval, expires entries written longer than max staleness ago and runs
// a cleanup on every pool. That bounds how long an enriched view can diverge from the store when no mutation
// invalidates it explicitly.
//
// The Manager never fails its caller: unknown types and invalid patterns behave like misses / no-ops.

package cache

import (
	"context"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/nobletooth/plaza/pkg/utils"
)

// Option mutates the Manager configuration.
type Option func(*managerOptions)

type managerOptions struct {
	limits       map[ContentType]int
	shardCount   int
	syncInterval time.Duration
	maxStaleness time.Duration
	clock        func() time.Time
}

// WithLimit overrides the capacity of one pool.
func WithLimit(contentType ContentType, limit int) Option {
	return func(options *managerOptions) { options.limits[contentType] = limit }
}

// WithShardCount sets the number of lock shards per pool.
func WithShardCount(shardCount int) Option {
	return func(options *managerOptions) { options.shardCount = shardCount }
}

// WithSyncInterval sets the maintenance tick interval.
func WithSyncInterval(interval time.Duration) Option {
	return func(options *managerOptions) {
		if interval > 0 {
			options.syncInterval = interval
		}
	}
}

// WithMaxStaleness sets the age after which the tick expires an entry; 0 disables expiry.
func WithMaxStaleness(staleness time.Duration) Option {
	return func(options *managerOptions) { options.maxStaleness = staleness }
}

// WithClock replaces the time source, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(options *managerOptions) {
		if clock != nil {
			options.clock = clock
		}
	}
}

// Manager is a typed, bounded, process-local cache. It's safe for concurrent use.
type Manager struct {
	pools        map[ContentType]*pool
	syncInterval time.Duration
	maxStaleness time.Duration
	clock        func() time.Time

	statusMux sync.RWMutex
	lastSync  time.Time
	nextSync  time.Time

	lifecycleMux sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewManager is the constructor for Manager. Defaults come from the cache_* flags.
func NewManager(opts ...Option) *Manager {
	options := &managerOptions{
		limits:       defaultLimits(),
		shardCount:   runtime.NumCPU(),
		syncInterval: *syncInterval,
		maxStaleness: *maxStaleness,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.syncInterval <= 0 {
		utils.RaiseInvariant("cache", "non_positive_sync_interval",
			"Invalid sync interval has been given to the cache manager.", "interval", options.syncInterval)
		options.syncInterval = 5 * time.Minute
	}

	manager := &Manager{
		pools:        make(map[ContentType]*pool, len(AllTypes)),
		syncInterval: options.syncInterval,
		maxStaleness: options.maxStaleness,
		clock:        options.clock,
	}
	for _, contentType := range AllTypes {
		manager.pools[contentType] = newPool(contentType, options.limits[contentType], options.shardCount)
	}
	return manager
}

// getPool returns the pool of the given type or nil if the type is unknown.
func (m *Manager) getPool(contentType ContentType) *pool {
	p, found := m.pools[contentType]
	if !found {
		utils.RaiseInvariant("cache", "unknown_content_type",
			"Got a cache call for an unknown content type.", "type", contentType)
		return nil
	}
	return p
}

func (m *Manager) now() int64 {
	return m.clock().UnixNano()
}

// Get returns the cached data for key, touching its access time on a hit.
func (m *Manager) Get(contentType ContentType, key string) (any, bool /*found*/) {
	p := m.getPool(contentType)
	if p == nil {
		return nil, false
	}
	data, found := p.get(key, m.now())
	if found {
		cacheLookups.WithLabelValues(string(contentType), "hit").Inc()
	} else {
		cacheLookups.WithLabelValues(string(contentType), "miss").Inc()
	}
	return data, found
}

// Set inserts or overwrites key. A pool that grows past its limit is cleaned up right away.
func (m *Manager) Set(contentType ContentType, key string, data any) {
	p := m.getPool(contentType)
	if p == nil {
		return
	}
	p.set(key, data, m.now())
	if p.len() > p.limit {
		m.cleanupPool(p)
	}
}

// SetMany writes all entries and then runs at most one cleanup, so a bulk seed is evicted as a single batch.
func (m *Manager) SetMany(contentType ContentType, entries []Entry) {
	p := m.getPool(contentType)
	if p == nil || len(entries) == 0 {
		return
	}
	for _, entry := range entries {
		p.set(entry.Key, entry.Data, m.now())
	}
	if p.len() > p.limit {
		m.cleanupPool(p)
	}
}

// Delete removes key unconditionally.
func (m *Manager) Delete(contentType ContentType, key string) /*deleted*/ bool {
	p := m.getPool(contentType)
	if p == nil {
		return false
	}
	if !p.delete(key) {
		return false
	}
	cacheEvictions.WithLabelValues(string(contentType), evictionReasonExplicit).Inc()
	return true
}

// DeleteMatching removes every key of the pool matching the glob `pattern` and returns how many were removed.
func (m *Manager) DeleteMatching(contentType ContentType, pattern string) int {
	p := m.getPool(contentType)
	if p == nil {
		return 0
	}
	match, err := compilePattern(pattern)
	if err != nil {
		utils.RaiseInvariant("cache", "invalid_key_pattern", "Got an invalid cache key pattern.",
			"type", contentType, "pattern", pattern, "error", err)
		return 0
	}
	deleted := p.deleteIf(func(key string, _ *poolEntry) bool { return match(key) })
	cacheEvictions.WithLabelValues(string(contentType), evictionReasonExplicit).Add(float64(deleted))
	return deleted
}

// Keys returns the keys currently held by a pool, in no particular order.
func (m *Manager) Keys(contentType ContentType) []string {
	p := m.getPool(contentType)
	if p == nil {
		return nil
	}
	return p.keys()
}

// KeysMatching returns the keys of a pool matching the glob `pattern`, in no particular order.
func (m *Manager) KeysMatching(contentType ContentType, pattern string) ([]string, error) {
	match, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	keys := m.Keys(contentType)
	return slices.DeleteFunc(keys, func(key string) bool { return !match(key) }), nil
}

// Purge empties a pool.
func (m *Manager) Purge(contentType ContentType) int {
	p := m.getPool(contentType)
	if p == nil {
		return 0
	}
	deleted := p.deleteIf(func(string, *poolEntry) bool { return true })
	cacheEvictions.WithLabelValues(string(contentType), evictionReasonExplicit).Add(float64(deleted))
	return deleted
}

// Cleanup evicts the least recently accessed entries of a pool that is over its limit.
func (m *Manager) Cleanup(contentType ContentType) int {
	p := m.getPool(contentType)
	if p == nil {
		return 0
	}
	return m.cleanupPool(p)
}

func (m *Manager) cleanupPool(p *pool) int {
	evicted := p.cleanup()
	if evicted > 0 {
		cacheEvictions.WithLabelValues(string(p.contentType), evictionReasonCapacity).Add(float64(evicted))
		slog.Debug("Evicted least recently used cache entries.", "type", p.contentType, "evicted", evicted,
			"remaining", p.len(), "limit", p.limit)
	}
	return evicted
}

// Status returns the occupancy of every pool and the maintenance schedule.
func (m *Manager) Status() Status {
	status := Status{Pools: make(map[ContentType]PoolStatus, len(m.pools))}
	for contentType, p := range m.pools {
		count := p.len()
		cacheEntries.WithLabelValues(string(contentType)).Set(float64(count))
		status.Pools[contentType] = PoolStatus{
			Count:        count,
			Limit:        p.limit,
			UsagePercent: float64(count) * 100 / float64(p.limit),
		}
	}
	m.statusMux.RLock()
	defer m.statusMux.RUnlock()
	status.LastSync = m.lastSync
	status.NextSync = m.nextSync
	return status
}

// Sync runs one maintenance pass: expire stale entries, then bring every pool within its limit.
func (m *Manager) Sync() {
	now := m.clock()
	m.statusMux.Lock()
	m.lastSync = now
	m.nextSync = now.Add(m.syncInterval)
	m.statusMux.Unlock()
	cacheSyncs.Inc()

	expired, evicted := 0, 0
	for _, contentType := range AllTypes {
		p := m.pools[contentType]
		if m.maxStaleness > 0 {
			cutoff := now.Add(-m.maxStaleness).UnixNano()
			stale := p.deleteIf(func(_ string, entry *poolEntry) bool { return entry.lastModified < cutoff })
			cacheEvictions.WithLabelValues(string(contentType), evictionReasonStale).Add(float64(stale))
			expired += stale
		}
		evicted += m.cleanupPool(p)
		cacheEntries.WithLabelValues(string(contentType)).Set(float64(p.len()))
	}
	slog.Debug("Cache maintenance tick finished.", "expired", expired, "evicted", evicted)
}

// Start launches the maintenance tick in the background. It's a no-op if the tick is already running.
// The tick stops when `ctx` is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMux.Lock()
	defer m.lifecycleMux.Unlock()
	if m.cancel != nil {
		return
	}

	tickCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.statusMux.Lock()
	m.nextSync = m.clock().Add(m.syncInterval)
	m.statusMux.Unlock()

	go m.tick(tickCtx, m.done)
}

// Stop halts the maintenance tick and waits for it to exit.
func (m *Manager) Stop() {
	m.lifecycleMux.Lock()
	defer m.lifecycleMux.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

func (m *Manager) tick(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sync()
		}
	}
}
