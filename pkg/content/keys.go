package content

import (
	"fmt"

	"github.com/nobletooth/plaza/pkg/model"
)

// Synthetic cache keys of the enriched views. Keep them in sync with the templates of the invalidation table.

func postsPageKey(page, limit int) string { return fmt.Sprintf("posts_%d_%d", page, limit) }

func postKey(postID string) string { return "post_" + postID }

func commentsKey(postID string) string { return "comments_" + postID }

func conversationsKey(userID string) string { return "conversations_" + userID }

func messagesPageKey(conversationID string, page, limit int) string {
	return fmt.Sprintf("messages_%s_%d_%d", conversationID, page, limit)
}

func likeKey(userID, targetID string, likeType model.LikeType) string {
	return fmt.Sprintf("like_%s_%s_%s", userID, targetID, likeType)
}

func followKey(followerID, followingID string) string {
	return fmt.Sprintf("follow_%s_%s", followerID, followingID)
}

func followCountsKey(userID string) string { return "follow_counts_" + userID }

// userKey is the bare user id.
func userKey(userID string) string { return userID }
