package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/nobletooth/plaza/pkg/cache"
	"github.com/nobletooth/plaza/pkg/model"
	"github.com/nobletooth/plaza/pkg/store"
)

// GetAuthorSummary returns the public summary of a user. Missing users yield store.ErrNotFound.
func (a *Aggregator) GetAuthorSummary(ctx context.Context, userID string) (model.AuthorSummary, error) {
	if summary, found := cached[model.AuthorSummary](a, cache.Users, userKey(userID)); found {
		return summary, nil
	}
	doc, err := a.store.FindOne(ctx, store.Users, store.Where(store.Eq(store.IDField, userID)))
	if err != nil {
		return model.AuthorSummary{}, fmt.Errorf("failed to load user '%s': %w", userID, err)
	}
	user, err := store.Decode[model.User](doc)
	if err != nil {
		return model.AuthorSummary{}, err
	}
	summary := user.Summary()
	a.cache.Set(cache.Users, userKey(userID), summary)
	return summary, nil
}

// authorOf is GetAuthorSummary for views: a deleted author renders as a bare id instead of failing the view.
func (a *Aggregator) authorOf(ctx context.Context, userID string) (model.AuthorSummary, error) {
	summary, err := a.GetAuthorSummary(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return model.AuthorSummary{ID: userID}, nil
	}
	return summary, err
}

// UpdateUser applies the profile changes and returns the refreshed summary. A taken username yields
// store.ErrConflict.
func (a *Aggregator) UpdateUser(ctx context.Context, userID string,
	input UpdateUserInput) (model.AuthorSummary, error) {
	if err := validateInput(input); err != nil {
		return model.AuthorSummary{}, err
	}
	set := store.Document{}
	if input.Username != nil {
		set["username"] = *input.Username
	}
	if input.Avatar != nil {
		set["avatar"] = *input.Avatar
	}
	if len(set) == 0 {
		return model.AuthorSummary{}, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	if err := a.store.UpdateOne(ctx, store.Users, store.Where(store.Eq(store.IDField, userID)), set); err != nil {
		return model.AuthorSummary{}, fmt.Errorf("failed to update user '%s': %w", userID, err)
	}
	Invalidate(a.cache, UserUpdated, Params{"userId": {userID}})
	return a.GetAuthorSummary(ctx, userID)
}
