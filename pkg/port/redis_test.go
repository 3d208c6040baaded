package port

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/plaza/pkg/cache"
	"github.com/nobletooth/plaza/pkg/utils"
)

func newTestHandler(t *testing.T) (*redisHandler, *cache.Manager) {
	t.Helper()
	views := cache.NewManager()
	handler, err := newRedisHandler(views)
	require.NoError(t, err)
	return handler, views
}

func TestRedisHandler(t *testing.T) {
	handler, views := newTestHandler(t)
	views.Set(cache.Posts, "posts_1_10", "page")
	views.Set(cache.Posts, "posts_2_10", "page")
	views.Set(cache.Posts, "post_p1", "post")
	views.Set(cache.Comments, "comments_p1", "tree")

	t.Run("ping", func(t *testing.T) {
		assert.Equal(t, "PONG", handler.handle(redisCommand{command: "ping"}).writeString)
		echo := handler.handle(redisCommand{command: "PING", args: []string{"hello"}})
		require.NotNil(t, echo.writeBulk)
		assert.Equal(t, "hello", *echo.writeBulk)
	})
	t.Run("keys", func(t *testing.T) {
		output := handler.handle(redisCommand{command: "CACHE.KEYS", args: []string{"posts"}})
		assert.Equal(t, []string{"post_p1", "posts_1_10", "posts_2_10"}, output.writeArray)
		output = handler.handle(redisCommand{command: "CACHE.KEYS", args: []string{"posts", "posts_*"}})
		assert.Equal(t, []string{"posts_1_10", "posts_2_10"}, output.writeArray)
		output = handler.handle(redisCommand{command: "CACHE.KEYS", args: []string{"bookmarks"}})
		require.NotNil(t, output.err)
		assert.Contains(t, *output.err, "unknown content type")
	})
	t.Run("del", func(t *testing.T) {
		output := handler.handle(redisCommand{command: "CACHE.DEL", args: []string{"posts", "posts_*", "post_p1", "nope"}})
		require.NotNil(t, output.writeInt)
		assert.Equal(t, 3, *output.writeInt)
		assert.NotNil(t, handler.handle(redisCommand{command: "CACHE.DEL", args: []string{"posts"}}).err)
	})
	t.Run("del_rejects_malformed_patterns", func(t *testing.T) {
		views.Set(cache.Posts, "post_p2", "post")
		invariants := utils.GetMetricValue("cache", "invalid_key_pattern")
		output := handler.handle(redisCommand{command: "CACHE.DEL", args: []string{"posts", "post_p2", "post_*/x"}})
		require.NotNil(t, output.err)
		assert.Contains(t, *output.err, "key pattern")
		assert.Equal(t, invariants, utils.GetMetricValue("cache", "invalid_key_pattern"))
		_, found := views.Get(cache.Posts, "post_p2")
		assert.True(t, found, "A rejected command deletes nothing")
		views.Delete(cache.Posts, "post_p2")
	})
	t.Run("invalidate", func(t *testing.T) {
		views.Set(cache.Posts, "post_p1", "post")
		output := handler.handle(redisCommand{command: "CACHE.INVALIDATE", args: []string{"comment_created", "postId=p1"}})
		assert.Equal(t, RedisOk, output.writeString)
		_, found := views.Get(cache.Comments, "comments_p1")
		assert.False(t, found)
		_, found = views.Get(cache.Posts, "post_p1")
		assert.False(t, found)

		output = handler.handle(redisCommand{command: "CACHE.INVALIDATE", args: []string{"post_exploded"}})
		require.NotNil(t, output.err)
		assert.Contains(t, *output.err, "unknown mutation")
		output = handler.handle(redisCommand{command: "CACHE.INVALIDATE", args: []string{"post_created", "oops"}})
		assert.NotNil(t, output.err)
		invariants := utils.GetMetricValue("cache", "invalid_key_pattern")
		output = handler.handle(redisCommand{command: "CACHE.INVALIDATE", args: []string{"post_deleted", "postId=a/b",
			"commentId=c1"}})
		require.NotNil(t, output.err)
		assert.Contains(t, *output.err, "key pattern")
		assert.Equal(t, invariants, utils.GetMetricValue("cache", "invalid_key_pattern"))
		output = handler.handle(redisCommand{command: "CACHE.INVALIDATE", args: []string{"post_updated"}})
		require.NotNil(t, output.err)
		assert.Contains(t, *output.err, "post_{postId}")
	})
	t.Run("purge_and_status", func(t *testing.T) {
		views.Set(cache.Users, "u1", "summary")
		views.Set(cache.Users, "u2", "summary")
		output := handler.handle(redisCommand{command: "CACHE.PURGE", args: []string{"users"}})
		require.NotNil(t, output.writeInt)
		assert.Equal(t, 2, *output.writeInt)

		output = handler.handle(redisCommand{command: "CACHE.STATUS"})
		require.NotNil(t, output.writeBulk)
		var status cache.Status
		require.NoError(t, json.Unmarshal([]byte(*output.writeBulk), &status))
		assert.Zero(t, status.Pools[cache.Users].Count)
		assert.Equal(t, views.Status().Pools[cache.Users].Limit, status.Pools[cache.Users].Limit)
	})
	t.Run("quit_and_unknown", func(t *testing.T) {
		assert.True(t, handler.handle(redisCommand{command: "QUIT"}).closeConnection)
		output := handler.handle(redisCommand{command: "FLUSHALL"})
		require.NotNil(t, output.err)
		assert.Equal(t, "ERR unknown command 'FLUSHALL'", *output.err)
	})
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"participant=a,b", "conversationId=c1", "participant=d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d"}, params["participant"])
	assert.Equal(t, []string{"c1"}, params["conversationId"])

	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestNewRedisHandler_RequiresCache(t *testing.T) {
	_, err := newRedisHandler(nil)
	assert.Error(t, err)
}
