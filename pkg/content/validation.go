package content

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/nobletooth/plaza/pkg/model"
)

var (
	// ErrValidation wraps every rejected input. Store errors are never wrapped in it.
	ErrValidation = errors.New("invalid input")
	// ErrNestingExceeded is returned when replying to a reply.
	ErrNestingExceeded = fmt.Errorf("%w: comments can only be nested one level deep", ErrValidation)
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateInput runs the struct tags of `input`.
func validateInput(input any) error {
	if err := validate.Struct(input); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			field := fieldErrors[0]
			return fmt.Errorf("%w: %s failed on '%s'", ErrValidation, field.Namespace(), field.Tag())
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func validateLikeType(likeType model.LikeType) error {
	if likeType != model.PostLike && likeType != model.CommentLike {
		return fmt.Errorf("%w: unknown like type '%s'", ErrValidation, likeType)
	}
	return nil
}

type CreatePostInput struct {
	AuthorID string   `validate:"required"`
	Content  string   `validate:"required,max=5000"`
	Images   []string `validate:"max=10,dive,url"`
}

// UpdatePostInput changes the fields that are set.
type UpdatePostInput struct {
	Content *string  `validate:"omitempty,min=1,max=5000"`
	Images  []string `validate:"omitempty,max=10,dive,url"`
}

type CreateCommentInput struct {
	PostID          string  `validate:"required"`
	AuthorID        string  `validate:"required"`
	ParentCommentID *string `validate:"omitempty,min=1"`
	Content         string  `validate:"required,max=2000"`
}

type SendMessageInput struct {
	ConversationID string `validate:"required"`
	SenderID       string `validate:"required"`
	Content        string `validate:"required,max=2000"`
}

// UpdateUserInput changes the profile fields that are set.
type UpdateUserInput struct {
	Username *string `validate:"omitempty,alphanum,min=3,max=32"`
	Avatar   *string `validate:"omitempty,url"`
}
