package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/plaza/pkg/cache"
)

func TestInvalidation_Expand(t *testing.T) {
	for name, tc := range map[string]struct {
		template string
		params   Params
		keys     []string
		complete bool
	}{
		"plain": {template: "posts_*", keys: []string{"posts_*"}, complete: true},
		"single": {
			template: "post_{postId}", params: Params{"postId": {"p1"}}, keys: []string{"post_p1"}, complete: true,
		},
		"multi_valued": {
			template: "conversations_{participant}", params: Params{"participant": {"a", "b"}},
			keys: []string{"conversations_a", "conversations_b"}, complete: true,
		},
		"no_values": {
			template: "like_*_{commentId}_comment", params: Params{"commentId": {}}, keys: []string{}, complete: true,
		},
		"missing_param": {
			template: "follow_{followerId}_{followingId}", params: Params{"followerId": {"a"}}, complete: false,
		},
		"two_parameters": {
			template: "follow_{followerId}_{followingId}", params: Params{"followerId": {"a"}, "followingId": {"b"}},
			keys: []string{"follow_a_b"}, complete: true,
		},
	} {
		t.Run(name, func(t *testing.T) {
			keys, complete := Invalidation{Pool: cache.Posts, Template: tc.template}.Expand(tc.params)
			assert.Equal(t, tc.complete, complete)
			if tc.complete {
				assert.Equal(t, tc.keys, keys)
			}
		})
	}
}

func TestInvalidationTable_CoversEveryMutation(t *testing.T) {
	for _, mutation := range []Mutation{
		PostCreated, PostUpdated, PostDeleted, CommentCreated, CommentDeleted, PostLikeToggled, CommentLikeToggled,
		FollowChanged, ConversationStarted, MessageSent, MessagesRead, UserUpdated,
	} {
		invalidations, found := InvalidationsOf(mutation)
		assert.True(t, found, "Mutation %s has no invalidations", mutation)
		for _, invalidation := range invalidations {
			assert.Contains(t, cache.AllTypes, invalidation.Pool)
		}
	}
}

func TestInvalidate(t *testing.T) {
	views := cache.NewManager()
	views.Set(cache.Posts, postsPageKey(1, 10), "page")
	views.Set(cache.Posts, postsPageKey(2, 10), "page")
	views.Set(cache.Posts, postKey("p1"), "post")
	views.Set(cache.Posts, postKey("p2"), "post")
	views.Set(cache.Comments, commentsKey("p1"), "tree")
	views.Set(cache.Comments, commentsKey("p2"), "tree")

	Invalidate(views, CommentCreated, Params{"postId": {"p1"}})

	for _, key := range []string{postsPageKey(1, 10), postsPageKey(2, 10), postKey("p1")} {
		_, found := views.Get(cache.Posts, key)
		assert.False(t, found, "Expected %s to be dropped", key)
	}
	_, found := views.Get(cache.Posts, postKey("p2"))
	assert.True(t, found)
	_, found = views.Get(cache.Comments, commentsKey("p1"))
	assert.False(t, found)
	_, found = views.Get(cache.Comments, commentsKey("p2"))
	assert.True(t, found)

	// Missing parameters skip the affected templates only.
	views.Set(cache.Follows, followKey("a", "b"), true)
	views.Set(cache.Follows, followCountsKey("a"), "counts")
	Invalidate(views, FollowChanged, Params{"followerId": {"a"}})
	_, found = views.Get(cache.Follows, followKey("a", "b"))
	require.True(t, found)
	_, found = views.Get(cache.Follows, followCountsKey("a"))
	assert.False(t, found)
}
