// Plaza keeps enriched read models (post pages, comment trees, conversation lists) in process memory so request
// handlers don't rebuild them from the store on every call. Entries are disposable projections of the store:
// losing one costs an extra store read, never data.
// This module declares the cached content types and the capacity of each type's pool.

package cache

import (
	"flag"
	"time"
)

// ContentType names one cache pool. Each type has a fixed capacity.
type ContentType string

const (
	Posts         ContentType = "posts"
	Comments      ContentType = "comments"
	Likes         ContentType = "likes"
	Users         ContentType = "users"
	Follows       ContentType = "follows"
	Messages      ContentType = "messages"
	Conversations ContentType = "conversations"
)

// AllTypes lists every pool the Manager owns, in a stable order.
var AllTypes = []ContentType{Posts, Comments, Likes, Users, Follows, Messages, Conversations}

var (
	postsLimit         = flag.Int("cache_posts_limit", 2000, "Maximum number of entries in the posts cache pool.")
	commentsLimit      = flag.Int("cache_comments_limit", 5000, "Maximum number of entries in the comments pool.")
	likesLimit         = flag.Int("cache_likes_limit", 10000, "Maximum number of entries in the likes cache pool.")
	usersLimit         = flag.Int("cache_users_limit", 1000, "Maximum number of entries in the users cache pool.")
	followsLimit       = flag.Int("cache_follows_limit", 5000, "Maximum number of entries in the follows pool.")
	messagesLimit      = flag.Int("cache_messages_limit", 5000, "Maximum number of entries in the messages pool.")
	conversationsLimit = flag.Int("cache_conversations_limit", 1000,
		"Maximum number of entries in the conversations cache pool.")

	syncInterval = flag.Duration("cache_sync_interval", 5*time.Minute,
		"How often the cache maintenance tick runs (staleness expiry and capacity cleanup).")
	maxStaleness = flag.Duration("cache_max_staleness", 10*time.Minute,
		"Entries written longer ago than this are expired by the maintenance tick; 0 disables expiry.")
)

// evictionRatio is the share of a pool removed by one capacity cleanup.
const evictionRatio = 0.2

// defaultLimits reads the configured pool capacities. Must be called after flags are parsed.
func defaultLimits() map[ContentType]int {
	return map[ContentType]int{
		Posts:         *postsLimit,
		Comments:      *commentsLimit,
		Likes:         *likesLimit,
		Users:         *usersLimit,
		Follows:       *followsLimit,
		Messages:      *messagesLimit,
		Conversations: *conversationsLimit,
	}
}

// Entry is a key/value pair used for bulk writes.
type Entry struct {
	Key  string
	Data any
}

// PoolStatus describes the occupancy of a single pool.
type PoolStatus struct {
	Count        int     `json:"count"`
	Limit        int     `json:"limit"`
	UsagePercent float64 `json:"usagePercent"`
}

// Status is a read-only snapshot of the cache manager.
type Status struct {
	Pools    map[ContentType]PoolStatus `json:"pools"`
	LastSync time.Time                  `json:"lastSync"`
	NextSync time.Time                  `json:"nextSync"`
}
