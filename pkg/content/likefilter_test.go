package content

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/plaza/pkg/cache"
	"github.com/nobletooth/plaza/pkg/model"
	"github.com/nobletooth/plaza/pkg/store"
	"github.com/nobletooth/plaza/pkg/utils"
)

type failingFinds struct{ *store.Memory }

func (failingFinds) Find(context.Context, store.Collection, store.Filter, store.FindOptions) ([]store.Document, error) {
	return nil, errors.New("disk on fire")
}

// manualClock only moves when told to.
type manualClock struct{ nanos atomic.Int64 }

func (c *manualClock) now() time.Time           { return time.Unix(0, c.nanos.Load()) }
func (c *manualClock) advance(by time.Duration) { c.nanos.Add(int64(by)) }

func insertLike(t *testing.T, documents store.Store, userID, targetID string, likeType model.LikeType) {
	t.Helper()
	like, err := store.Encode(model.Like{UserID: userID, TargetID: targetID, Type: likeType, CreatedAt: time.Now()})
	require.NoError(t, err)
	_, err = documents.InsertOne(context.Background(), store.Likes, like)
	require.NoError(t, err)
}

func TestLikeFilter(t *testing.T) {
	ctx := context.Background()
	documents := store.NewMemory()
	t.Cleanup(func() { _ = documents.Close() })
	insertLike(t, documents, "u1", "p1", model.PostLike)

	filter := newLikeFilter(100 /*capacity*/, 0.001 /*fpRate*/)
	t.Run("cold_filter_knows_nothing", func(t *testing.T) {
		assert.True(t, filter.mayContain("u2", "p9", model.CommentLike))
	})

	require.NoError(t, filter.Warm(ctx, documents))
	t.Run("warm_filter", func(t *testing.T) {
		assert.True(t, filter.mayContain("u1", "p1", model.PostLike))
		assert.False(t, filter.mayContain("u1", "p1", model.CommentLike))
		assert.False(t, filter.mayContain("u2", "p1", model.PostLike))
	})
	t.Run("adds_after_warm", func(t *testing.T) {
		filter.add("u2", "p1", model.PostLike)
		assert.True(t, filter.mayContain("u2", "p1", model.PostLike))
	})
	t.Run("failed_warm_stays_cold", func(t *testing.T) {
		cold := newLikeFilter(100 /*capacity*/, 0.001 /*fpRate*/)
		assert.ErrorContains(t, cold.Warm(ctx, failingFinds{documents}), "disk on fire")
		assert.True(t, cold.mayContain("u9", "p9", model.PostLike))
	})
	t.Run("failed_rewarm_keeps_previous_filter", func(t *testing.T) {
		assert.Error(t, filter.Warm(ctx, failingFinds{documents}))
		assert.True(t, filter.mayContain("u1", "p1", model.PostLike))
		assert.False(t, filter.mayContain("u3", "p1", model.PostLike))
	})
}

func TestLikeFilter_DistrustsOldNegatives(t *testing.T) {
	ctx := context.Background()
	documents := store.NewMemory()
	clock := &manualClock{}
	filter := newLikeFilter(100 /*capacity*/, 0.001 /*fpRate*/)
	filter.now, filter.maxAge = clock.now, time.Minute
	require.NoError(t, filter.Warm(ctx, documents))

	// Written by another process; this one never sees the write.
	insertLike(t, documents, "u1", "p1", model.PostLike)
	assert.False(t, filter.mayContain("u1", "p1", model.PostLike))

	clock.advance(2 * time.Minute)
	assert.True(t, filter.mayContain("u1", "p1", model.PostLike), "An old snapshot must not answer negatives")
	assert.True(t, filter.mayContain("u2", "p2", model.PostLike))

	require.NoError(t, filter.Warm(ctx, documents))
	assert.True(t, filter.mayContain("u1", "p1", model.PostLike))
	assert.False(t, filter.mayContain("u2", "p2", model.PostLike), "A rebuilt filter is trusted again")
}

func TestLikeFilter_RefreshPicksUpForeignLikes(t *testing.T) {
	utils.SetTestFlag(t, "like_filter_refresh_interval", "10ms")
	documents := store.NewMemory()
	filter := newLikeFilter(100 /*capacity*/, 0.001 /*fpRate*/)
	require.NoError(t, filter.Warm(context.Background(), documents))
	insertLike(t, documents, "u1", "p1", model.PostLike)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		filter.Refresh(ctx, documents)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	assert.Eventually(t, func() bool { return filter.mayContain("u1", "p1", model.PostLike) },
		time.Second, 5*time.Millisecond)
}

func TestHasLiked_SeesForeignLikesOnceFilterIsOld(t *testing.T) {
	clock := &manualClock{}
	filter := newLikeFilter(1000 /*capacity*/, 0.001 /*fpRate*/)
	filter.now, filter.maxAge = clock.now, time.Minute
	fixture := newFixture(t, WithLikeFilter(filter))
	ctx := context.Background()
	ada := fixture.addUser(t, model.User{Username: "ada"})
	post := fixture.addPost(t, ada, "post")
	require.NoError(t, filter.Warm(ctx, fixture.store))

	insertLike(t, fixture.store, ada, post.ID, model.PostLike)
	clock.advance(2 * time.Minute)
	fixture.cache.Purge(cache.Likes)
	liked, err := fixture.aggregator.HasLiked(ctx, ada, post.ID, model.PostLike)
	require.NoError(t, err)
	assert.True(t, liked)

	// The toggle finds the existing like through the unique identity and removes it.
	liked, err = fixture.aggregator.ToggleLike(ctx, ada, post.ID, model.PostLike)
	require.NoError(t, err)
	assert.False(t, liked)
	count, err := fixture.store.CountDocuments(ctx, store.Likes, nil)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNewLikeFilter(t *testing.T) {
	utils.SetTestFlag(t, "like_filter_max_age", "3m")
	filter := NewLikeFilter()
	require.NotNil(t, filter)
	assert.Equal(t, 3*time.Minute, filter.maxAge)
	utils.SetTestFlag(t, "like_filter_enabled", "false")
	assert.Nil(t, NewLikeFilter())
}
