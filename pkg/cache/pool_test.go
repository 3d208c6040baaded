package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_SetGetDelete(t *testing.T) {
	p := newPool(Posts, 10 /*limit*/, 4 /*shardCount*/)
	t.Run("get_missing_key", func(t *testing.T) {
		_, found := p.get("missing", 1)
		assert.False(t, found)
		assert.Zero(t, p.len())
	})
	t.Run("set_and_get", func(t *testing.T) {
		p.set("k1", "v1", 1)
		got, found := p.get("k1", 2)
		assert.True(t, found)
		assert.Equal(t, "v1", got)
		assert.Equal(t, 1, p.len())
	})
	t.Run("overwrite_keeps_size", func(t *testing.T) {
		p.set("k1", "v1*", 3)
		got, _ := p.get("k1", 4)
		assert.Equal(t, "v1*", got)
		assert.Equal(t, 1, p.len())
	})
	t.Run("delete", func(t *testing.T) {
		assert.True(t, p.delete("k1"))
		assert.False(t, p.delete("k1"), "Deleting twice should report nothing was deleted")
		assert.Zero(t, p.len())
	})
}

func TestPool_GetTouchesAccessTime(t *testing.T) {
	p := newPool(Users, 10 /*limit*/, 1 /*shardCount*/)
	p.set("u1", "alice", 100)
	_, _ = p.get("u1", 250)
	entry := p.shards[0].entries["u1"]
	assert.Equal(t, int64(250), entry.lastAccess.Load())
	assert.Equal(t, int64(100), entry.lastModified, "Reads must not change the modification time")
}

func TestEvictionCount(t *testing.T) {
	for _, testCase := range []struct {
		name        string
		size, limit int
		expected    int
	}{
		{name: "within_limit", size: 10, limit: 10, expected: 0},
		{name: "single_overflow_evicts_a_batch", size: 2001, limit: 2000, expected: 400},
		{name: "twenty_percent_overflow", size: 2500, limit: 2000, expected: 500},
		{name: "double_limit", size: 4000, limit: 2000, expected: 2000},
		{name: "tiny_pool", size: 2, limit: 1, expected: 1},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.expected, evictionCount(testCase.size, testCase.limit))
		})
	}
}

func TestPool_CleanupEvictsOldestAccess(t *testing.T) {
	p := newPool(Comments, 4 /*limit*/, 3 /*shardCount*/)
	for i := range 5 {
		p.set(fmt.Sprintf("key-%d", i), i, int64(i))
	}
	// Reading key-0 makes it the most recently used entry.
	_, _ = p.get("key-0", 10)

	assert.Equal(t, 1, p.cleanup(), "floor(5 * 0.2) entries should be evicted")
	assert.Equal(t, 4, p.len())
	_, found := p.get("key-1", 11)
	assert.False(t, found, "key-1 had the oldest access time")
	for _, key := range []string{"key-0", "key-2", "key-3", "key-4"} {
		_, found := p.get(key, 12)
		assert.True(t, found, "Expected %s to survive the cleanup", key)
	}
}

func TestPool_EvictReplacesOverwrittenVictims(t *testing.T) {
	p := newPool(Comments, 10 /*limit*/, 4 /*shardCount*/)
	for i := range 15 {
		p.set(fmt.Sprintf("key-%d", i), i, int64(i))
	}
	candidates := p.snapshot()
	// The oldest entries are rewritten between the snapshot and the eviction.
	for i := range 5 {
		p.set(fmt.Sprintf("key-%d", i), -i, 100)
	}

	assert.Equal(t, 5, p.evict(candidates))
	assert.Equal(t, 10, p.len())
	for i := range 5 {
		got, found := p.get(fmt.Sprintf("key-%d", i), 101)
		require.True(t, found, "Rewritten key-%d should survive", i)
		assert.Equal(t, -i, got)
	}
	for i := 5; i < 10; i++ {
		_, found := p.get(fmt.Sprintf("key-%d", i), 101)
		assert.False(t, found, "key-%d should take the place of a rewritten victim", i)
	}
}

func TestPool_CleanupWithinLimitIsNoop(t *testing.T) {
	p := newPool(Likes, 3 /*limit*/, 2 /*shardCount*/)
	p.set("a", true, 1)
	p.set("b", true, 2)
	assert.Zero(t, p.cleanup())
	assert.ElementsMatch(t, []string{"a", "b"}, p.keys())
}

func TestPool_DeleteIf(t *testing.T) {
	p := newPool(Messages, 100 /*limit*/, 4 /*shardCount*/)
	for i := range 10 {
		p.set(fmt.Sprintf("key-%d", i), i, int64(i))
	}
	deleted := p.deleteIf(func(_ string, entry *poolEntry) bool { return entry.lastModified < 5 })
	assert.Equal(t, 5, deleted)
	assert.Equal(t, 5, p.len())
	assert.ElementsMatch(t, []string{"key-5", "key-6", "key-7", "key-8", "key-9"}, p.keys())
}

func TestNewPool_InvalidArguments(t *testing.T) {
	p := newPool(Follows, 0 /*limit*/, -1 /*shardCount*/)
	require.Len(t, p.shards, 1)
	assert.Equal(t, 1, p.limit)
}

// TestPool_ShardingDistribution verifies that keys are distributed across multiple shards.
func TestPool_ShardingDistribution(t *testing.T) {
	shardCount := 10
	p := newPool(Posts, 1_000_000 /*limit*/, shardCount)
	// keyCount should be large enough compared to shardCount so it becomes virtually impossible to have a shard with
	// less than 50% of `keyCount/shardCount` keys.
	keyCount := 100_000
	for i := range keyCount {
		p.set(fmt.Sprintf("key-%d", i), i, int64(i))
	}
	for _, shard := range p.shards {
		assert.Greater(t, len(shard.entries), keyCount/(2*shardCount),
			"Expected keys in each shard to be at least half the keys compared to the uniform distribution.")
	}
	assert.Equal(t, keyCount, p.len())
}
