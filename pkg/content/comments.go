package content

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nobletooth/plaza/pkg/cache"
	"github.com/nobletooth/plaza/pkg/model"
	"github.com/nobletooth/plaza/pkg/store"
	"github.com/nobletooth/plaza/pkg/utils"
)

// ListComments returns the two tier comment tree of a post, oldest first. At most the comment limit is fetched;
// replies whose parent falls outside of that window are left out.
func (a *Aggregator) ListComments(ctx context.Context, postID string) (model.CommentTree, error) {
	if tree, found := cached[model.CommentTree](a, cache.Comments, commentsKey(postID)); found {
		return tree, nil
	}
	byPost := store.Where(store.Eq("postId", postID))
	total, err := a.store.CountDocuments(ctx, store.Comments, byPost)
	if err != nil {
		return model.CommentTree{}, fmt.Errorf("failed to count comments of post '%s': %w", postID, err)
	}
	docs, err := a.store.Find(ctx, store.Comments, byPost, store.FindOptions{SortBy: "createdAt", Limit: a.commentLimit})
	if err != nil {
		return model.CommentTree{}, fmt.Errorf("failed to list comments of post '%s': %w", postID, err)
	}
	comments, err := store.DecodeAll[model.Comment](docs)
	if err != nil {
		return model.CommentTree{}, err
	}
	nodes, err := a.enrichComments(ctx, comments)
	if err != nil {
		return model.CommentTree{}, err
	}

	tree := model.CommentTree{
		PostID: postID, Comments: buildTree(postID, nodes), Total: total, Truncated: total > len(comments),
	}
	a.cache.Set(cache.Comments, commentsKey(postID), tree)
	return tree, nil
}

// buildTree attaches replies to their top level parents, keeping the input order on both tiers.
func buildTree(postID string, nodes []model.CommentNode) []model.CommentNode {
	positions := make(map[ /*commentID*/ string]int)
	roots := make([]model.CommentNode, 0)
	for _, node := range nodes {
		if node.Level == model.TopLevel && node.ParentCommentID == nil {
			positions[node.ID] = len(roots)
			roots = append(roots, node)
		}
	}
	for _, node := range nodes {
		switch {
		case node.Level == model.TopLevel && node.ParentCommentID == nil:
		case node.Level == model.ReplyLevel && node.ParentCommentID != nil:
			position, inWindow := positions[*node.ParentCommentID]
			if !inWindow {
				continue
			}
			roots[position].Replies = append(roots[position].Replies, node)
		default:
			utils.RaiseInvariant("content", "malformed_comment", "Stored comment breaks the nesting rule.",
				"post", postID, "comment", node.ID, "level", node.Level)
		}
	}
	return roots
}

func (a *Aggregator) enrichComments(ctx context.Context, comments []model.Comment) ([]model.CommentNode, error) {
	nodes := make([]model.CommentNode, len(comments))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.enrichConcurrency)
	for i, comment := range comments {
		group.Go(func() error {
			var err error
			nodes[i], err = a.enrichComment(groupCtx, comment)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (a *Aggregator) enrichComment(ctx context.Context, comment model.Comment) (model.CommentNode, error) {
	author, err := a.authorOf(ctx, comment.AuthorID)
	if err != nil {
		return model.CommentNode{}, err
	}
	likes, err := a.store.CountDocuments(ctx, store.Likes,
		store.Where(store.Eq("targetId", comment.ID), store.Eq("type", string(model.CommentLike))))
	if err != nil {
		return model.CommentNode{}, fmt.Errorf("failed to count likes of comment '%s': %w", comment.ID, err)
	}
	replies := 0
	if comment.Level == model.TopLevel {
		replies, err = a.store.CountDocuments(ctx, store.Comments, store.Where(store.Eq("parentCommentId", comment.ID)))
		if err != nil {
			return model.CommentNode{}, fmt.Errorf("failed to count replies of comment '%s': %w", comment.ID, err)
		}
	}
	return model.CommentNode{Comment: comment, Author: author, LikesCount: likes, RepliesCount: replies}, nil
}

func (a *Aggregator) loadComment(ctx context.Context, commentID string) (model.Comment, error) {
	doc, err := a.store.FindOne(ctx, store.Comments, store.Where(store.Eq(store.IDField, commentID)))
	if err != nil {
		return model.Comment{}, fmt.Errorf("failed to load comment '%s': %w", commentID, err)
	}
	return store.Decode[model.Comment](doc)
}

// commentLevel applies the nesting rule: top level without a parent, one below the parent otherwise.
func (a *Aggregator) commentLevel(ctx context.Context, postID string, parentID *string) (int, error) {
	if parentID == nil {
		return model.TopLevel, nil
	}
	parent, err := a.loadComment(ctx, *parentID)
	if err != nil {
		return 0, err
	}
	if parent.PostID != postID {
		return 0, fmt.Errorf("%w: parent comment '%s' belongs to another post", ErrValidation, parent.ID)
	}
	if parent.Level >= model.ReplyLevel {
		return 0, fmt.Errorf("%w: parent comment '%s' is already a reply", ErrNestingExceeded, parent.ID)
	}
	return parent.Level + 1, nil
}

// CreateComment adds a top level comment or a reply to one.
func (a *Aggregator) CreateComment(ctx context.Context, input CreateCommentInput) (model.Comment, error) {
	if err := validateInput(input); err != nil {
		return model.Comment{}, err
	}
	if _, err := a.loadPost(ctx, input.PostID); err != nil {
		return model.Comment{}, err
	}
	if _, err := a.GetAuthorSummary(ctx, input.AuthorID); err != nil {
		return model.Comment{}, err
	}
	level, err := a.commentLevel(ctx, input.PostID, input.ParentCommentID)
	if err != nil {
		return model.Comment{}, err
	}

	comment := model.Comment{
		PostID:          input.PostID,
		ParentCommentID: input.ParentCommentID,
		Level:           level,
		AuthorID:        input.AuthorID,
		Content:         input.Content,
		CreatedAt:       a.now(),
	}
	doc, err := store.Encode(comment)
	if err != nil {
		return model.Comment{}, err
	}
	if comment.ID, err = a.store.InsertOne(ctx, store.Comments, doc); err != nil {
		return model.Comment{}, fmt.Errorf("failed to create comment: %w", err)
	}
	Invalidate(a.cache, CommentCreated, Params{"postId": {comment.PostID}})
	return comment, nil
}

// DeleteComment removes a comment and every like on it. Deleting a top level comment removes its replies too.
func (a *Aggregator) DeleteComment(ctx context.Context, commentID string) error {
	comment, err := a.loadComment(ctx, commentID)
	if err != nil {
		return err
	}
	deleted := []string{comment.ID}
	if comment.Level == model.TopLevel {
		replies, err := a.store.Find(ctx, store.Comments, store.Where(store.Eq("parentCommentId", comment.ID)),
			store.FindOptions{})
		if err != nil {
			return fmt.Errorf("failed to list replies of comment '%s': %w", comment.ID, err)
		}
		for _, reply := range replies {
			deleted = append(deleted, reply.ID())
		}
	}

	if _, err := a.store.DeleteMany(ctx, store.Likes, store.Where(
		store.In("targetId", deleted...), store.Eq("type", string(model.CommentLike)))); err != nil {
		return fmt.Errorf("failed to delete likes of comment '%s': %w", comment.ID, err)
	}
	if _, err := a.store.DeleteMany(ctx, store.Comments, store.Where(store.In(store.IDField, deleted...))); err != nil {
		return fmt.Errorf("failed to delete comment '%s': %w", comment.ID, err)
	}
	Invalidate(a.cache, CommentDeleted, Params{"postId": {comment.PostID}, "commentId": deleted})
	return nil
}
