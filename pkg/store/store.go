// The store is the authoritative home of every plaza entity. It's a document store: each collection holds JSON-like
// documents keyed by an opaque, store generated `id`. Anything cached elsewhere is a projection of these documents.

package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
)

var (
	ErrNotFound    = errors.New("document was not found")
	ErrConflict    = errors.New("document conflicts with an existing document")
	ErrInvalid     = errors.New("invalid store request")
	ErrUnavailable = errors.New("store is unavailable")
)

// Collection names one of the authoritative collections.
type Collection string

const (
	Users         Collection = "users"
	Posts         Collection = "posts"
	Comments      Collection = "comments"
	Likes         Collection = "likes"
	Follows       Collection = "follows"
	Conversations Collection = "conversations"
	Messages      Collection = "messages"
)

// AllCollections lists the collections every backend must provide.
var AllCollections = []Collection{Users, Posts, Comments, Likes, Follows, Conversations, Messages}

// IDField is the document field holding the store generated identifier.
const IDField = "id"

// uniqueIndexes declares the composite identities each collection enforces. An insert or update producing a second
// document with the same identity fails with ErrConflict.
var uniqueIndexes = map[Collection][][]string{
	Users:         {{"username"}},
	Likes:         {{"userId", "targetId", "type"}},
	Follows:       {{"followerId", "followingId"}},
	Conversations: {{"pairKey"}},
}

// UniqueIndexes returns the composite identities of a collection.
func UniqueIndexes(collection Collection) [][]string {
	return uniqueIndexes[collection]
}

// Document is a single stored row. Values are JSON shaped: string, float64, bool, nil, []any and map[string]any.
type Document map[string]any

// ID returns the document identifier or an empty string.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

type Operator uint8

const (
	OpEq       Operator = iota // Field equals value.
	OpNe                       // Field is missing or differs from value.
	OpIn                       // Field equals one of the values.
	OpContains                 // Array field has value as an element.
)

func (op Operator) String() string {
	switch op {
	case OpEq:
		return "eq"
	case OpNe:
		return "ne"
	case OpIn:
		return "in"
	case OpContains:
		return "contains"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Condition is a single predicate on a document field.
type Condition struct {
	Field string
	Op    Operator
	Value any // For OpIn, a []any of candidates.
}

// Filter is a conjunction of conditions; an empty filter matches every document.
type Filter []Condition

func Eq(field string, value any) Condition { return Condition{Field: field, Op: OpEq, Value: value} }
func Ne(field string, value any) Condition { return Condition{Field: field, Op: OpNe, Value: value} }
func Contains(field string, value any) Condition {
	return Condition{Field: field, Op: OpContains, Value: value}
}

// In matches documents whose field equals any of `values`.
func In[T any](field string, values ...T) Condition {
	candidates := make([]any, len(values))
	for i, value := range values {
		candidates[i] = value
	}
	return Condition{Field: field, Op: OpIn, Value: candidates}
}

// Where builds a filter out of conditions.
func Where(conditions ...Condition) Filter { return conditions }

type SortOrder uint8

const (
	Ascending SortOrder = iota
	Descending
)

// FindOptions shapes the result of Find. SortBy must name a timestamp field; documents without SortBy are returned in
// insertion order. Ties are broken by insertion order in the requested direction.
type FindOptions struct {
	SortBy string
	Order  SortOrder
	Skip   int
	Limit  int // Zero means no limit.
}

// Store is implemented by every persistent backend. Implementations must be safe for concurrent use.
type Store interface {
	// Find returns the documents of `collection` matching `filter`.
	Find(ctx context.Context, collection Collection, filter Filter, opts FindOptions) ([]Document, error)
	// FindOne returns the first matching document in insertion order or ErrNotFound.
	FindOne(ctx context.Context, collection Collection, filter Filter) (Document, error)
	// InsertOne stores `doc` and returns its id. Missing ids are generated. Uniqueness violations yield ErrConflict.
	InsertOne(ctx context.Context, collection Collection, doc Document) (string, error)
	// UpdateOne applies `set` to the first matching document or returns ErrNotFound.
	UpdateOne(ctx context.Context, collection Collection, filter Filter, set Document) error
	// UpdateMany applies `set` to every matching document and returns how many were updated.
	UpdateMany(ctx context.Context, collection Collection, filter Filter, set Document) (int, error)
	// DeleteOne removes the first matching document or returns ErrNotFound.
	DeleteOne(ctx context.Context, collection Collection, filter Filter) error
	// DeleteMany removes every matching document and returns how many were removed.
	DeleteMany(ctx context.Context, collection Collection, filter Filter) (int, error)
	// CountDocuments returns the number of matching documents.
	CountDocuments(ctx context.Context, collection Collection, filter Filter) (int, error)
	// Close releases the backend resources.
	Close() error
}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateCollection rejects collections outside of AllCollections.
func validateCollection(collection Collection) error {
	if !slices.Contains(AllCollections, collection) {
		return fmt.Errorf("%w: unknown collection '%s'", ErrInvalid, collection)
	}
	return nil
}

// validateFilter rejects malformed conditions before they reach a backend.
func validateFilter(filter Filter) error {
	for _, condition := range filter {
		if !fieldNamePattern.MatchString(condition.Field) {
			return fmt.Errorf("%w: invalid field name '%s'", ErrInvalid, condition.Field)
		}
		switch condition.Op {
		case OpEq, OpNe, OpContains:
		case OpIn:
			if _, isList := condition.Value.([]any); !isList {
				return fmt.Errorf("%w: 'in' condition on '%s' needs a list", ErrInvalid, condition.Field)
			}
		default:
			return fmt.Errorf("%w: unknown operator %s", ErrInvalid, condition.Op)
		}
	}
	return nil
}

// validateRequest runs the checks shared by every store call.
func validateRequest(collection Collection, filter Filter) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	return validateFilter(filter)
}

// validateUpdate rejects updates trying to change ids or use malformed fields.
func validateUpdate(set Document) error {
	if len(set) == 0 {
		return fmt.Errorf("%w: empty update", ErrInvalid)
	}
	for field := range set {
		if field == IDField {
			return fmt.Errorf("%w: '%s' cannot be updated", ErrInvalid, IDField)
		}
		if !fieldNamePattern.MatchString(field) {
			return fmt.Errorf("%w: invalid field name '%s'", ErrInvalid, field)
		}
	}
	return nil
}

func validateOptions(opts FindOptions) error {
	if opts.Skip < 0 || opts.Limit < 0 {
		return fmt.Errorf("%w: negative skip/limit", ErrInvalid)
	}
	if opts.SortBy != "" && !fieldNamePattern.MatchString(opts.SortBy) {
		return fmt.Errorf("%w: invalid sort field '%s'", ErrInvalid, opts.SortBy)
	}
	return nil
}
