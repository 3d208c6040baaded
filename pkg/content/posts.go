package content

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nobletooth/plaza/pkg/cache"
	"github.com/nobletooth/plaza/pkg/model"
	"github.com/nobletooth/plaza/pkg/store"
)

// ListPosts returns a page of posts, newest first. Every post of the page is also cached on its own.
func (a *Aggregator) ListPosts(ctx context.Context, page, limit int) (model.PostPage, error) {
	if err := a.validatePage(page, limit); err != nil {
		return model.PostPage{}, err
	}
	key := postsPageKey(page, limit)
	if postPage, found := cached[model.PostPage](a, cache.Posts, key); found {
		return postPage, nil
	}

	total, err := a.store.CountDocuments(ctx, store.Posts, nil)
	if err != nil {
		return model.PostPage{}, fmt.Errorf("failed to count posts: %w", err)
	}
	docs, err := a.store.Find(ctx, store.Posts, nil, store.FindOptions{
		SortBy: "createdAt", Order: store.Descending, Skip: (page - 1) * limit, Limit: limit,
	})
	if err != nil {
		return model.PostPage{}, fmt.Errorf("failed to list posts: %w", err)
	}
	posts, err := store.DecodeAll[model.Post](docs)
	if err != nil {
		return model.PostPage{}, err
	}
	enriched, err := a.enrichPosts(ctx, posts)
	if err != nil {
		return model.PostPage{}, err
	}

	postPage := model.PostPage{
		Posts: enriched, Page: page, Limit: limit, Total: total, HasMore: page*limit < total,
	}
	a.cache.Set(cache.Posts, key, postPage)
	seeds := make([]cache.Entry, len(enriched))
	for i, post := range enriched {
		seeds[i] = cache.Entry{Key: postKey(post.ID), Data: post}
	}
	a.cache.SetMany(cache.Posts, seeds)
	return postPage, nil
}

// GetPost returns a single enriched post.
func (a *Aggregator) GetPost(ctx context.Context, postID string) (model.EnrichedPost, error) {
	if post, found := cached[model.EnrichedPost](a, cache.Posts, postKey(postID)); found {
		return post, nil
	}
	post, err := a.loadPost(ctx, postID)
	if err != nil {
		return model.EnrichedPost{}, err
	}
	enriched, err := a.enrichPost(ctx, post)
	if err != nil {
		return model.EnrichedPost{}, err
	}
	a.cache.Set(cache.Posts, postKey(postID), enriched)
	return enriched, nil
}

func (a *Aggregator) loadPost(ctx context.Context, postID string) (model.Post, error) {
	doc, err := a.store.FindOne(ctx, store.Posts, store.Where(store.Eq(store.IDField, postID)))
	if err != nil {
		return model.Post{}, fmt.Errorf("failed to load post '%s': %w", postID, err)
	}
	return store.Decode[model.Post](doc)
}

// enrichPosts enriches every post concurrently, keeping the order.
func (a *Aggregator) enrichPosts(ctx context.Context, posts []model.Post) ([]model.EnrichedPost, error) {
	enriched := make([]model.EnrichedPost, len(posts))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.enrichConcurrency)
	for i, post := range posts {
		group.Go(func() error {
			var err error
			enriched[i], err = a.enrichPost(groupCtx, post)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return enriched, nil
}

func (a *Aggregator) enrichPost(ctx context.Context, post model.Post) (model.EnrichedPost, error) {
	author, err := a.authorOf(ctx, post.AuthorID)
	if err != nil {
		return model.EnrichedPost{}, err
	}
	likes, err := a.store.CountDocuments(ctx, store.Likes,
		store.Where(store.Eq("targetId", post.ID), store.Eq("type", string(model.PostLike))))
	if err != nil {
		return model.EnrichedPost{}, fmt.Errorf("failed to count likes of post '%s': %w", post.ID, err)
	}
	comments, err := a.store.CountDocuments(ctx, store.Comments, store.Where(store.Eq("postId", post.ID)))
	if err != nil {
		return model.EnrichedPost{}, fmt.Errorf("failed to count comments of post '%s': %w", post.ID, err)
	}
	return model.EnrichedPost{Post: post, Author: author, LikesCount: likes, CommentsCount: comments}, nil
}

// CreatePost stores a new post by an existing user and seeds its enriched view.
func (a *Aggregator) CreatePost(ctx context.Context, input CreatePostInput) (model.Post, error) {
	if err := validateInput(input); err != nil {
		return model.Post{}, err
	}
	author, err := a.GetAuthorSummary(ctx, input.AuthorID)
	if err != nil {
		return model.Post{}, err
	}
	post := model.Post{AuthorID: input.AuthorID, Content: input.Content, Images: input.Images, CreatedAt: a.now()}
	if post.Images == nil {
		post.Images = []string{}
	}
	doc, err := store.Encode(post)
	if err != nil {
		return model.Post{}, err
	}
	if post.ID, err = a.store.InsertOne(ctx, store.Posts, doc); err != nil {
		return model.Post{}, fmt.Errorf("failed to create post: %w", err)
	}
	Invalidate(a.cache, PostCreated, Params{"postId": {post.ID}})
	a.cache.Set(cache.Posts, postKey(post.ID), model.EnrichedPost{Post: post, Author: author})
	return post, nil
}

// UpdatePost changes the content or images of a post.
func (a *Aggregator) UpdatePost(ctx context.Context, postID string, input UpdatePostInput) (model.Post, error) {
	if err := validateInput(input); err != nil {
		return model.Post{}, err
	}
	set := store.Document{"updatedAt": a.now()}
	if input.Content != nil {
		set["content"] = *input.Content
	}
	if input.Images != nil {
		set["images"] = input.Images
	}
	if len(set) == 1 {
		return model.Post{}, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	if err := a.store.UpdateOne(ctx, store.Posts, store.Where(store.Eq(store.IDField, postID)), set); err != nil {
		return model.Post{}, fmt.Errorf("failed to update post '%s': %w", postID, err)
	}
	Invalidate(a.cache, PostUpdated, Params{"postId": {postID}})
	return a.loadPost(ctx, postID)
}

// DeletePost removes a post together with its comments and every like on either.
func (a *Aggregator) DeletePost(ctx context.Context, postID string) error {
	if _, err := a.loadPost(ctx, postID); err != nil {
		return err
	}
	commentDocs, err := a.store.Find(ctx, store.Comments, store.Where(store.Eq("postId", postID)), store.FindOptions{})
	if err != nil {
		return fmt.Errorf("failed to list comments of post '%s': %w", postID, err)
	}
	commentIDs := make([]string, len(commentDocs))
	for i, doc := range commentDocs {
		commentIDs[i] = doc.ID()
	}

	if _, err := a.store.DeleteMany(ctx, store.Likes, store.Where(
		store.In("targetId", commentIDs...), store.Eq("type", string(model.CommentLike)))); err != nil {
		return fmt.Errorf("failed to delete comment likes of post '%s': %w", postID, err)
	}
	if _, err := a.store.DeleteMany(ctx, store.Likes, store.Where(
		store.Eq("targetId", postID), store.Eq("type", string(model.PostLike)))); err != nil {
		return fmt.Errorf("failed to delete likes of post '%s': %w", postID, err)
	}
	if _, err := a.store.DeleteMany(ctx, store.Comments, store.Where(store.Eq("postId", postID))); err != nil {
		return fmt.Errorf("failed to delete comments of post '%s': %w", postID, err)
	}
	if err := a.store.DeleteOne(ctx, store.Posts, store.Where(store.Eq(store.IDField, postID))); err != nil {
		return fmt.Errorf("failed to delete post '%s': %w", postID, err)
	}
	Invalidate(a.cache, PostDeleted, Params{"postId": {postID}, "commentId": commentIDs})
	return nil
}
