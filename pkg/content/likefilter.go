package content

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nobletooth/plaza/pkg/model"
	"github.com/nobletooth/plaza/pkg/store"
)

var (
	likeFilterEnabled  = flag.Bool("like_filter_enabled", true, "Whether HasLiked consults a bloom filter of likes.")
	likeFilterCapacity = flag.Uint("like_filter_capacity", 1_000_000, "Expected number of likes in the bloom filter.")
	likeFilterFPRate   = flag.Float64("like_filter_fp_rate", 0.01, "Target false positive rate of the like filter.")
	likeFilterMaxAge   = flag.Duration("like_filter_max_age", 10*time.Minute,
		"Negatives of a like filter loaded longer ago than this are not trusted; 0 trusts them forever.")
	likeFilterRefreshInterval = flag.Duration("like_filter_refresh_interval", 5*time.Minute,
		"How often the like filter is rebuilt from the store.")
)

// LikeFilter remembers every like identity it has seen. A negative answer is definite only while the store snapshot
// the filter was loaded from is younger than its max age: likes written by other processes reach the filter on the
// next refresh. Before the first load every identity "may" exist. Unlikes are dropped by refreshes only.
type LikeFilter struct {
	mux      sync.RWMutex
	filter   *bloom.BloomFilter
	next     *bloom.BloomFilter // Being loaded by a refresh; receives adds too.
	loadedAt time.Time          // When the store snapshot behind `filter` was taken. Zero until the first load.

	capacity uint
	fpRate   float64
	maxAge   time.Duration
	now      func() time.Time
}

// NewLikeFilter is the constructor for LikeFilter. Returns nil when the filter is disabled by flag.
func NewLikeFilter() *LikeFilter {
	if !*likeFilterEnabled {
		return nil
	}
	filter := newLikeFilter(*likeFilterCapacity, *likeFilterFPRate)
	filter.maxAge = *likeFilterMaxAge
	return filter
}

func newLikeFilter(capacity uint, fpRate float64) *LikeFilter {
	capacity = max(capacity, 1)
	return &LikeFilter{
		filter:   bloom.NewWithEstimates(capacity, fpRate),
		capacity: capacity,
		fpRate:   fpRate,
		now:      time.Now,
	}
}

func likeIdentity(userID, targetID string, likeType model.LikeType) string {
	return userID + "\x00" + targetID + "\x00" + string(likeType)
}

func (f *LikeFilter) add(userID, targetID string, likeType model.LikeType) {
	identity := likeIdentity(userID, targetID, likeType)
	f.mux.Lock()
	defer f.mux.Unlock()
	f.filter.AddString(identity)
	if f.next != nil {
		f.next.AddString(identity)
	}
}

// mayContain returns false only when the like certainly doesn't exist.
func (f *LikeFilter) mayContain(userID, targetID string, likeType model.LikeType) bool {
	f.mux.RLock()
	defer f.mux.RUnlock()
	if f.loadedAt.IsZero() || (f.maxAge > 0 && f.now().Sub(f.loadedAt) > f.maxAge) {
		return true
	}
	return f.filter.TestString(likeIdentity(userID, targetID, likeType))
}

// Warm rebuilds the filter from every stored like. Likes added while the store is read are recorded by the write
// path into both filters, so the rebuilt filter never misses one of this process.
func (f *LikeFilter) Warm(ctx context.Context, documents store.Store) error {
	f.mux.Lock()
	next := bloom.NewWithEstimates(f.capacity, f.fpRate)
	f.next = next
	f.mux.Unlock()

	snapshotAt := f.now()
	likes, err := f.load(ctx, documents)
	f.mux.Lock()
	defer f.mux.Unlock()
	f.next = nil
	if err != nil {
		return err
	}
	for _, like := range likes {
		next.AddString(likeIdentity(like.UserID, like.TargetID, like.Type))
	}
	f.filter, f.loadedAt = next, snapshotAt
	slog.Info("Warmed like filter.", "likes", len(likes))
	return nil
}

func (f *LikeFilter) load(ctx context.Context, documents store.Store) ([]model.Like, error) {
	docs, err := documents.Find(ctx, store.Likes, nil, store.FindOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load likes: %w", err)
	}
	likes, err := store.DecodeAll[model.Like](docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode likes: %w", err)
	}
	return likes, nil
}

// Refresh rebuilds the filter every --like_filter_refresh_interval until `ctx` is cancelled. A failed rebuild keeps
// the previous filter, whose negatives stop being trusted once it outgrows its max age.
func (f *LikeFilter) Refresh(ctx context.Context, documents store.Store) {
	if *likeFilterRefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(*likeFilterRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Warm(ctx, documents); err != nil && ctx.Err() == nil {
				slog.Warn("Failed to refresh the like filter.", "error", err)
			}
		}
	}
}
