package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nobletooth/plaza/pkg/cache"
	"github.com/nobletooth/plaza/pkg/model"
	"github.com/nobletooth/plaza/pkg/store"
)

func likeQuery(userID, targetID string, likeType model.LikeType) store.Filter {
	return store.Where(store.Eq("userId", userID), store.Eq("targetId", targetID), store.Eq("type", string(likeType)))
}

// HasLiked reports whether the user likes the post or comment.
func (a *Aggregator) HasLiked(ctx context.Context, userID, targetID string, likeType model.LikeType) (bool, error) {
	if err := validateLikeType(likeType); err != nil {
		return false, err
	}
	key := likeKey(userID, targetID, likeType)
	if liked, found := cached[bool](a, cache.Likes, key); found {
		return liked, nil
	}
	if a.likes != nil && !a.likes.mayContain(userID, targetID, likeType) {
		return false, nil
	}
	count, err := a.store.CountDocuments(ctx, store.Likes, likeQuery(userID, targetID, likeType))
	if err != nil {
		return false, fmt.Errorf("failed to look up like: %w", err)
	}
	a.cache.Set(cache.Likes, key, count > 0)
	return count > 0, nil
}

// ToggleLike likes the target, or unlikes it if the like already exists. Returns whether the target is now liked.
// The unique like identity in the store decides which of the two happens.
func (a *Aggregator) ToggleLike(ctx context.Context, userID, targetID string, likeType model.LikeType) (bool, error) {
	if err := validateLikeType(likeType); err != nil {
		return false, err
	}
	if userID == "" || targetID == "" {
		return false, fmt.Errorf("%w: user and target are required", ErrValidation)
	}
	mutation, params := PostLikeToggled, Params{"userId": {userID}, "targetId": {targetID}}
	switch likeType {
	case model.PostLike:
		if _, err := a.loadPost(ctx, targetID); err != nil {
			return false, err
		}
	case model.CommentLike:
		comment, err := a.loadComment(ctx, targetID)
		if err != nil {
			return false, err
		}
		mutation, params["postId"] = CommentLikeToggled, []string{comment.PostID}
	}

	like := model.Like{UserID: userID, TargetID: targetID, Type: likeType, CreatedAt: a.now()}
	doc, err := store.Encode(like)
	if err != nil {
		return false, err
	}
	liked := true
	_, err = a.store.InsertOne(ctx, store.Likes, doc)
	if (err == nil || errors.Is(err, store.ErrConflict)) && a.likes != nil {
		a.likes.add(userID, targetID, likeType)
	}
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict):
		liked = false
		err = a.store.DeleteOne(ctx, store.Likes, likeQuery(userID, targetID, likeType))
		if errors.Is(err, store.ErrNotFound) {
			// Unliked concurrently; the outcome is the same.
			slog.Debug("Like vanished while toggling.", "user", userID, "target", targetID, "type", likeType)
			err = nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to remove like: %w", err)
		}
	default:
		return false, fmt.Errorf("failed to add like: %w", err)
	}
	Invalidate(a.cache, mutation, params)
	a.cache.Set(cache.Likes, likeKey(userID, targetID, likeType), liked)
	return liked, nil
}

// IsFollowing reports whether `followerID` follows `followingID`.
func (a *Aggregator) IsFollowing(ctx context.Context, followerID, followingID string) (bool, error) {
	key := followKey(followerID, followingID)
	if following, found := cached[bool](a, cache.Follows, key); found {
		return following, nil
	}
	count, err := a.store.CountDocuments(ctx, store.Follows,
		store.Where(store.Eq("followerId", followerID), store.Eq("followingId", followingID)))
	if err != nil {
		return false, fmt.Errorf("failed to look up follow: %w", err)
	}
	a.cache.Set(cache.Follows, key, count > 0)
	return count > 0, nil
}

// GetFollowCounts returns how many users follow `userID` and how many it follows.
func (a *Aggregator) GetFollowCounts(ctx context.Context, userID string) (model.FollowCounts, error) {
	key := followCountsKey(userID)
	if counts, found := cached[model.FollowCounts](a, cache.Follows, key); found {
		return counts, nil
	}
	followers, err := a.store.CountDocuments(ctx, store.Follows, store.Where(store.Eq("followingId", userID)))
	if err != nil {
		return model.FollowCounts{}, fmt.Errorf("failed to count followers: %w", err)
	}
	following, err := a.store.CountDocuments(ctx, store.Follows, store.Where(store.Eq("followerId", userID)))
	if err != nil {
		return model.FollowCounts{}, fmt.Errorf("failed to count followings: %w", err)
	}
	counts := model.FollowCounts{UserID: userID, Followers: followers, Following: following}
	a.cache.Set(cache.Follows, key, counts)
	return counts, nil
}

// Follow makes `followerID` follow `followingID`. Following twice yields store.ErrConflict.
func (a *Aggregator) Follow(ctx context.Context, followerID, followingID string) error {
	if followerID == "" || followingID == "" {
		return fmt.Errorf("%w: follower and following are required", ErrValidation)
	}
	if followerID == followingID {
		return fmt.Errorf("%w: users can't follow themselves", ErrValidation)
	}
	if _, err := a.GetAuthorSummary(ctx, followingID); err != nil {
		return err
	}
	doc, err := store.Encode(model.Follow{FollowerID: followerID, FollowingID: followingID, CreatedAt: a.now()})
	if err != nil {
		return err
	}
	if _, err := a.store.InsertOne(ctx, store.Follows, doc); err != nil {
		return fmt.Errorf("failed to follow '%s': %w", followingID, err)
	}
	Invalidate(a.cache, FollowChanged, Params{"followerId": {followerID}, "followingId": {followingID}})
	a.cache.Set(cache.Follows, followKey(followerID, followingID), true)
	return nil
}

// Unfollow removes the follow. Yields store.ErrNotFound when there's nothing to remove.
func (a *Aggregator) Unfollow(ctx context.Context, followerID, followingID string) error {
	err := a.store.DeleteOne(ctx, store.Follows,
		store.Where(store.Eq("followerId", followerID), store.Eq("followingId", followingID)))
	if err != nil {
		return fmt.Errorf("failed to unfollow '%s': %w", followingID, err)
	}
	Invalidate(a.cache, FollowChanged, Params{"followerId": {followerID}, "followingId": {followingID}})
	a.cache.Set(cache.Follows, followKey(followerID, followingID), false)
	return nil
}
