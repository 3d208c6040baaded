package content

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/nobletooth/plaza/pkg/cache"
	"github.com/nobletooth/plaza/pkg/utils"
)

// Mutation names a write whose effect on cached views is declared in invalidationTable.
type Mutation string

const (
	PostCreated         Mutation = "post_created"
	PostUpdated         Mutation = "post_updated"
	PostDeleted         Mutation = "post_deleted"
	CommentCreated      Mutation = "comment_created"
	CommentDeleted      Mutation = "comment_deleted"
	PostLikeToggled     Mutation = "post_like_toggled"
	CommentLikeToggled  Mutation = "comment_like_toggled"
	FollowChanged       Mutation = "follow_changed"
	ConversationStarted Mutation = "conversation_started"
	MessageSent         Mutation = "message_sent"
	MessagesRead        Mutation = "messages_read"
	UserUpdated         Mutation = "user_updated"
)

// Invalidation drops a single key, or every key matching a glob, from a pool. `{param}` placeholders are expanded
// from the mutation parameters; a parameter with several values yields one key per value.
type Invalidation struct {
	Pool     cache.ContentType
	Template string
}

// invalidationTable declares, for every mutation, the cached views that may no longer reflect the store.
var invalidationTable = map[Mutation][]Invalidation{
	PostCreated: {
		{cache.Posts, "posts_*"},
	},
	PostUpdated: {
		{cache.Posts, "posts_*"},
		{cache.Posts, "post_{postId}"},
	},
	PostDeleted: {
		{cache.Posts, "posts_*"},
		{cache.Posts, "post_{postId}"},
		{cache.Comments, "comments_{postId}"},
		{cache.Likes, "like_*_{postId}_post"},
		{cache.Likes, "like_*_{commentId}_comment"},
	},
	CommentCreated: {
		{cache.Comments, "comments_{postId}"},
		{cache.Posts, "post_{postId}"},
		{cache.Posts, "posts_*"},
	},
	CommentDeleted: {
		{cache.Comments, "comments_{postId}"},
		{cache.Posts, "post_{postId}"},
		{cache.Posts, "posts_*"},
		{cache.Likes, "like_*_{commentId}_comment"},
	},
	PostLikeToggled: {
		{cache.Likes, "like_{userId}_{targetId}_post"},
		{cache.Posts, "post_{targetId}"},
		{cache.Posts, "posts_*"},
	},
	CommentLikeToggled: {
		{cache.Likes, "like_{userId}_{targetId}_comment"},
		{cache.Comments, "comments_{postId}"},
	},
	FollowChanged: {
		{cache.Follows, "follow_{followerId}_{followingId}"},
		{cache.Follows, "follow_counts_{followerId}"},
		{cache.Follows, "follow_counts_{followingId}"},
	},
	ConversationStarted: {
		{cache.Conversations, "conversations_{participant}"},
	},
	MessageSent: {
		{cache.Conversations, "conversations_{participant}"},
		{cache.Messages, "messages_{conversationId}_*"},
	},
	MessagesRead: {
		{cache.Conversations, "conversations_{participant}"},
		{cache.Messages, "messages_{conversationId}_*"},
	},
	// Author summaries are embedded in most views.
	UserUpdated: {
		{cache.Users, "{userId}"},
		{cache.Posts, "*"},
		{cache.Comments, "*"},
		{cache.Conversations, "*"},
	},
}

// InvalidationsOf returns the declared invalidations of a mutation.
func InvalidationsOf(mutation Mutation) ([]Invalidation, bool /*found*/) {
	invalidations, found := invalidationTable[mutation]
	return invalidations, found
}

// Params are the values substituted into invalidation templates.
type Params map[ /*name*/ string][]string

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z]+)\}`)

// Expand renders the template for every combination of parameter values. Placeholders without values yield no keys.
func (i Invalidation) Expand(params Params) ([]string, bool /*complete*/) {
	keys := []string{i.Template}
	for _, match := range placeholderPattern.FindAllStringSubmatch(i.Template, -1) {
		placeholder, name := match[0], match[1]
		values, exists := params[name]
		if !exists {
			return nil, false
		}
		expanded := make([]string, 0, len(keys)*len(values))
		for _, key := range keys {
			for _, value := range values {
				expanded = append(expanded, strings.Replace(key, placeholder, value, 1))
			}
		}
		keys = expanded
	}
	return keys, true
}

// Invalidate applies the declared invalidations of `mutation` to `views`. It never fails; a template missing one
// of its parameters is a bug in the caller and is only reported.
func Invalidate(views Cache, mutation Mutation, params Params) {
	invalidations, found := invalidationTable[mutation]
	if !found {
		utils.RaiseInvariant("content", "unknown_mutation", "Mutation has no declared invalidations.",
			"mutation", mutation)
		return
	}
	for _, invalidation := range invalidations {
		keys, complete := invalidation.Expand(params)
		if !complete {
			utils.RaiseInvariant("content", "missing_invalidation_param", "Invalidation template misses a parameter.",
				"mutation", mutation, "template", invalidation.Template)
			continue
		}
		for _, key := range keys {
			if cache.IsPattern(key) {
				removed := views.DeleteMatching(invalidation.Pool, key)
				slog.Debug("Invalidated cached views.", "mutation", mutation, "type", invalidation.Pool,
					"pattern", key, "removed", removed)
				continue
			}
			views.Delete(invalidation.Pool, key)
		}
	}
}
