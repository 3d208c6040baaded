// Package content builds the denormalized views plaza serves (enriched posts, comment trees, conversations) out of
// the normalized store rows, reading through the cache and falling back to the store on a miss. Writes go to the
// store first and then drop or reseed the cached views they affect.

package content

import (
	"flag"
	"fmt"
	"time"

	"github.com/nobletooth/plaza/pkg/cache"
	"github.com/nobletooth/plaza/pkg/store"
	"github.com/nobletooth/plaza/pkg/utils"
)

var (
	commentLimit = flag.Int("content_comment_limit", 500,
		"Maximum number of comments fetched for a single comment tree.")
	enrichConcurrency = flag.Int("content_enrich_concurrency", 8,
		"Maximum number of items enriched concurrently while building a view.")
	maxPageLimit = flag.Int("content_max_page_limit", 100, "Largest page size accepted by paged views.")
)

// Cache is the subset of *cache.Manager the aggregator relies on.
type Cache interface {
	Get(contentType cache.ContentType, key string) (any, bool /*found*/)
	Set(contentType cache.ContentType, key string, data any)
	SetMany(contentType cache.ContentType, entries []cache.Entry)
	Delete(contentType cache.ContentType, key string) /*deleted*/ bool
	DeleteMatching(contentType cache.ContentType, pattern string) int
}

var _ Cache = (*cache.Manager)(nil)

type Option func(*Aggregator)

// WithCommentLimit overrides the comment fetch ceiling.
func WithCommentLimit(limit int) Option { return func(a *Aggregator) { a.commentLimit = limit } }

// WithEnrichConcurrency overrides how many items are enriched concurrently.
func WithEnrichConcurrency(n int) Option { return func(a *Aggregator) { a.enrichConcurrency = n } }

// WithLikeFilter installs a bloom filter short-circuiting HasLiked for like identities never seen.
func WithLikeFilter(filter *LikeFilter) Option { return func(a *Aggregator) { a.likes = filter } }

func WithClock(clock func() time.Time) Option { return func(a *Aggregator) { a.now = clock } }

// Aggregator assembles plaza views. It's safe for concurrent use.
type Aggregator struct {
	store             store.Store
	cache             Cache
	likes             *LikeFilter // Optional.
	commentLimit      int
	enrichConcurrency int
	maxPageLimit      int
	now               func() time.Time
}

// NewAggregator is the constructor for Aggregator. Must be called after flags are parsed.
func NewAggregator(documents store.Store, views Cache, opts ...Option) *Aggregator {
	aggregator := &Aggregator{
		store:             documents,
		cache:             views,
		commentLimit:      *commentLimit,
		enrichConcurrency: *enrichConcurrency,
		maxPageLimit:      *maxPageLimit,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(aggregator)
	}
	if aggregator.commentLimit <= 0 {
		utils.RaiseInvariant("content", "invalid_comment_limit", "Comment limit must be positive.",
			"limit", aggregator.commentLimit)
		aggregator.commentLimit = 1
	}
	if aggregator.enrichConcurrency <= 0 {
		utils.RaiseInvariant("content", "invalid_enrich_concurrency", "Enrich concurrency must be positive.",
			"concurrency", aggregator.enrichConcurrency)
		aggregator.enrichConcurrency = 1
	}
	return aggregator
}

// cached looks `key` up and type checks the hit. A hit of the wrong type is dropped and treated as a miss.
func cached[T any](a *Aggregator, contentType cache.ContentType, key string) (T, bool /*found*/) {
	var zero T
	value, found := a.cache.Get(contentType, key)
	if !found {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		utils.RaiseInvariant("content", "cached_type_mismatch", "Cached view has an unexpected type.",
			"type", contentType, "key", key, "got", fmt.Sprintf("%T", value), "want", fmt.Sprintf("%T", zero))
		a.cache.Delete(contentType, key)
		return zero, false
	}
	return typed, true
}

// validatePage checks the paging arguments of a paged view.
func (a *Aggregator) validatePage(page, limit int) error {
	if page < 1 {
		return fmt.Errorf("%w: page must be at least 1, got %d", ErrValidation, page)
	}
	if limit < 1 || limit > a.maxPageLimit {
		return fmt.Errorf("%w: limit must be within [1, %d], got %d", ErrValidation, a.maxPageLimit, limit)
	}
	return nil
}
