package content

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nobletooth/plaza/pkg/cache"
	"github.com/nobletooth/plaza/pkg/model"
	"github.com/nobletooth/plaza/pkg/store"
)

// GetConversations returns the conversations of a user, most recently active first.
func (a *Aggregator) GetConversations(ctx context.Context, userID string) ([]model.EnrichedConversation, error) {
	key := conversationsKey(userID)
	if conversations, found := cached[[]model.EnrichedConversation](a, cache.Conversations, key); found {
		return conversations, nil
	}
	docs, err := a.store.Find(ctx, store.Conversations, store.Where(store.Contains("participants", userID)),
		store.FindOptions{SortBy: "lastMessageAt", Order: store.Descending})
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations of '%s': %w", userID, err)
	}
	conversations, err := store.DecodeAll[model.Conversation](docs)
	if err != nil {
		return nil, err
	}

	enriched := make([]model.EnrichedConversation, len(conversations))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.enrichConcurrency)
	for i, conversation := range conversations {
		group.Go(func() error {
			var err error
			enriched[i], err = a.enrichConversation(groupCtx, conversation, userID)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	a.cache.Set(cache.Conversations, key, enriched)
	return enriched, nil
}

func (a *Aggregator) enrichConversation(ctx context.Context, conversation model.Conversation,
	userID string) (model.EnrichedConversation, error) {
	other, err := a.authorOf(ctx, conversation.Other(userID))
	if err != nil {
		return model.EnrichedConversation{}, err
	}
	byConversation := store.Eq("conversationId", conversation.ID)
	latest, err := a.store.Find(ctx, store.Messages, store.Where(byConversation),
		store.FindOptions{SortBy: "createdAt", Order: store.Descending, Limit: 1})
	if err != nil {
		return model.EnrichedConversation{}, fmt.Errorf("failed to load latest message of '%s': %w",
			conversation.ID, err)
	}
	unread, err := a.store.CountDocuments(ctx, store.Messages,
		store.Where(byConversation, store.Ne("senderId", userID), store.Eq("isRead", false)))
	if err != nil {
		return model.EnrichedConversation{}, fmt.Errorf("failed to count unread messages of '%s': %w",
			conversation.ID, err)
	}

	enriched := model.EnrichedConversation{Conversation: conversation, OtherParticipant: other, UnreadCount: unread}
	if len(latest) > 0 {
		message, err := store.Decode[model.Message](latest[0])
		if err != nil {
			return model.EnrichedConversation{}, err
		}
		enriched.LatestMessage = &message
	}
	return enriched, nil
}

// GetMessages returns a page of a conversation's messages, newest first.
func (a *Aggregator) GetMessages(ctx context.Context, conversationID string,
	page, limit int) (model.MessagePage, error) {
	if err := a.validatePage(page, limit); err != nil {
		return model.MessagePage{}, err
	}
	key := messagesPageKey(conversationID, page, limit)
	if messagePage, found := cached[model.MessagePage](a, cache.Messages, key); found {
		return messagePage, nil
	}
	byConversation := store.Where(store.Eq("conversationId", conversationID))
	total, err := a.store.CountDocuments(ctx, store.Messages, byConversation)
	if err != nil {
		return model.MessagePage{}, fmt.Errorf("failed to count messages of '%s': %w", conversationID, err)
	}
	docs, err := a.store.Find(ctx, store.Messages, byConversation, store.FindOptions{
		SortBy: "createdAt", Order: store.Descending, Skip: (page - 1) * limit, Limit: limit,
	})
	if err != nil {
		return model.MessagePage{}, fmt.Errorf("failed to list messages of '%s': %w", conversationID, err)
	}
	messages, err := store.DecodeAll[model.Message](docs)
	if err != nil {
		return model.MessagePage{}, err
	}
	messagePage := model.MessagePage{
		ConversationID: conversationID, Messages: messages, Page: page, Limit: limit, Total: total,
		HasMore: page*limit < total,
	}
	a.cache.Set(cache.Messages, key, messagePage)
	return messagePage, nil
}

func (a *Aggregator) loadConversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	doc, err := a.store.FindOne(ctx, store.Conversations, store.Where(store.Eq(store.IDField, conversationID)))
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to load conversation '%s': %w", conversationID, err)
	}
	return store.Decode[model.Conversation](doc)
}

func (a *Aggregator) findConversation(ctx context.Context, pairKey string) (model.Conversation, error) {
	doc, err := a.store.FindOne(ctx, store.Conversations, store.Where(store.Eq("pairKey", pairKey)))
	if err != nil {
		return model.Conversation{}, err
	}
	return store.Decode[model.Conversation](doc)
}

// StartConversation returns the conversation between two users, creating it on first contact.
func (a *Aggregator) StartConversation(ctx context.Context, userID, otherID string) (model.Conversation, error) {
	if userID == "" || otherID == "" || userID == otherID {
		return model.Conversation{}, fmt.Errorf("%w: a conversation needs two distinct users", ErrValidation)
	}
	for _, participant := range []string{userID, otherID} {
		if _, err := a.GetAuthorSummary(ctx, participant); err != nil {
			return model.Conversation{}, err
		}
	}
	pairKey := model.PairKey(userID, otherID)
	conversation, err := a.findConversation(ctx, pairKey)
	if err == nil {
		return conversation, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Conversation{}, fmt.Errorf("failed to look up conversation: %w", err)
	}

	now := a.now()
	conversation = model.Conversation{
		Participants: []string{userID, otherID}, PairKey: pairKey, CreatedAt: now, LastMessageAt: now,
	}
	doc, err := store.Encode(conversation)
	if err != nil {
		return model.Conversation{}, err
	}
	conversation.ID, err = a.store.InsertOne(ctx, store.Conversations, doc)
	if errors.Is(err, store.ErrConflict) {
		// Started concurrently by the other side.
		return a.findConversation(ctx, pairKey)
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to start conversation: %w", err)
	}
	Invalidate(a.cache, ConversationStarted, Params{"participant": conversation.Participants})
	return conversation, nil
}

// SendMessage appends a message from one of the participants.
func (a *Aggregator) SendMessage(ctx context.Context, input SendMessageInput) (model.Message, error) {
	if err := validateInput(input); err != nil {
		return model.Message{}, err
	}
	conversation, err := a.loadConversation(ctx, input.ConversationID)
	if err != nil {
		return model.Message{}, err
	}
	if !conversation.HasParticipant(input.SenderID) {
		return model.Message{}, fmt.Errorf("%w: '%s' is not part of conversation '%s'",
			ErrValidation, input.SenderID, conversation.ID)
	}

	message := model.Message{
		ConversationID: conversation.ID, SenderID: input.SenderID, Content: input.Content, CreatedAt: a.now(),
	}
	doc, err := store.Encode(message)
	if err != nil {
		return model.Message{}, err
	}
	if message.ID, err = a.store.InsertOne(ctx, store.Messages, doc); err != nil {
		return model.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	if err := a.store.UpdateOne(ctx, store.Conversations, store.Where(store.Eq(store.IDField, conversation.ID)),
		store.Document{"lastMessageAt": message.CreatedAt}); err != nil {
		return model.Message{}, fmt.Errorf("failed to bump conversation '%s': %w", conversation.ID, err)
	}
	Invalidate(a.cache, MessageSent,
		Params{"conversationId": {conversation.ID}, "participant": conversation.Participants})
	return message, nil
}

// MarkRead marks every message the other participant sent as read and returns how many changed.
func (a *Aggregator) MarkRead(ctx context.Context, conversationID, userID string) (int, error) {
	conversation, err := a.loadConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conversation.HasParticipant(userID) {
		return 0, fmt.Errorf("%w: '%s' is not part of conversation '%s'", ErrValidation, userID, conversationID)
	}
	updated, err := a.store.UpdateMany(ctx, store.Messages, store.Where(store.Eq("conversationId", conversationID),
		store.Ne("senderId", userID), store.Eq("isRead", false)), store.Document{"isRead": true})
	if err != nil {
		return updated, fmt.Errorf("failed to mark messages of '%s' read: %w", conversationID, err)
	}
	if updated > 0 {
		// The sender's view embeds the latest message and its read flag too.
		Invalidate(a.cache, MessagesRead,
			Params{"conversationId": {conversationID}, "participant": conversation.Participants})
	}
	return updated, nil
}
