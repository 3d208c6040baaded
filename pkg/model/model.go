// Package model holds the plaza entities as they are stored, and the enriched views the content layer assembles
// from them. Views are shared through the cache and must be treated as read-only by callers.
package model

import (
	"slices"
	"time"
)

type User struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	Avatar          string    `json:"avatar,omitempty"`
	Email           string    `json:"email,omitempty"`
	IsEmailVerified bool      `json:"isEmailVerified"`
	CreatedAt       time.Time `json:"createdAt"`

	// Rows written before isEmailVerified existed carry one of these instead.
	IsVerified    *bool `json:"isVerified,omitempty"`
	EmailVerified *bool `json:"emailVerified,omitempty"`
}

// Verified folds the legacy verification flags into one answer.
func (u User) Verified() bool {
	return u.IsEmailVerified || (u.IsVerified != nil && *u.IsVerified) || (u.EmailVerified != nil && *u.EmailVerified)
}

// Summary is the public projection of the user embedded in other views.
func (u User) Summary() AuthorSummary {
	return AuthorSummary{ID: u.ID, Username: u.Username, Avatar: u.Avatar, IsEmailVerified: u.Verified()}
}

type Post struct {
	ID        string     `json:"id"`
	AuthorID  string     `json:"authorId"`
	Content   string     `json:"content"`
	Images    []string   `json:"images"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Comment levels. Replies can only be attached to top level comments.
const (
	TopLevel   = 1
	ReplyLevel = 2
)

type Comment struct {
	ID              string    `json:"id"`
	PostID          string    `json:"postId"`
	ParentCommentID *string   `json:"parentCommentId,omitempty"`
	Level           int       `json:"level"`
	AuthorID        string    `json:"authorId"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
}

type LikeType string

const (
	PostLike    LikeType = "post"
	CommentLike LikeType = "comment"
)

type Like struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TargetID  string    `json:"targetId"`
	Type      LikeType  `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

type Follow struct {
	ID          string    `json:"id"`
	FollowerID  string    `json:"followerId"`
	FollowingID string    `json:"followingId"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	PairKey       string    `json:"pairKey"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// PairKey identifies the unordered pair of users of a conversation.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Other returns the participant that isn't `userID`.
func (c Conversation) Other(userID string) string {
	for _, participant := range c.Participants {
		if participant != userID {
			return participant
		}
	}
	return ""
}

// HasParticipant reports whether `userID` takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

type AuthorSummary struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Avatar          string `json:"avatar,omitempty"`
	IsEmailVerified bool   `json:"isEmailVerified"`
}

type EnrichedPost struct {
	Post
	Author        AuthorSummary `json:"author"`
	LikesCount    int           `json:"likesCount"`
	CommentsCount int           `json:"commentsCount"`
}

type PostPage struct {
	Posts   []EnrichedPost `json:"posts"`
	Page    int            `json:"page"`
	Limit   int            `json:"limit"`
	Total   int            `json:"total"`
	HasMore bool           `json:"hasMore"`
}

type CommentNode struct {
	Comment
	Author       AuthorSummary `json:"author"`
	LikesCount   int           `json:"likesCount"`
	RepliesCount int           `json:"repliesCount"`
	Replies      []CommentNode `json:"replies,omitempty"` // Only set on top level comments.
}

// CommentTree is the two tier view of a post's comments. Truncated is set when the post has more comments than
// the fetch ceiling.
type CommentTree struct {
	PostID    string        `json:"postId"`
	Comments  []CommentNode `json:"comments"`
	Total     int           `json:"total"`
	Truncated bool          `json:"truncated"`
}

type EnrichedConversation struct {
	Conversation
	OtherParticipant AuthorSummary `json:"otherParticipant"`
	LatestMessage    *Message      `json:"latestMessage,omitempty"`
	UnreadCount      int           `json:"unreadCount"`
}

type MessagePage struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	Page           int       `json:"page"`
	Limit          int       `json:"limit"`
	Total          int       `json:"total"`
	HasMore        bool      `json:"hasMore"`
}

type FollowCounts struct {
	UserID    string `json:"userId"`
	Followers int    `json:"followers"`
	Following int    `json:"following"`
}
