package store

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Encode converts a JSON serializable value (usually a model struct) into a Document.
func Encode(value any) (Document, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode document: %v", ErrInvalid, err)
	}
	doc := make(Document)
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("%w: value is not a JSON object: %v", ErrInvalid, err)
	}
	return doc, nil
}

// Decode converts a Document into `T`.
func Decode[T any](doc Document) (T, error) {
	var value T
	encoded, err := json.Marshal(doc)
	if err != nil {
		return value, fmt.Errorf("failed to re-encode document: %w", err)
	}
	if err := json.Unmarshal(encoded, &value); err != nil {
		return value, fmt.Errorf("failed to decode document into %T: %w", value, err)
	}
	return value, nil
}

// DecodeAll decodes every document into `T`, keeping the order.
func DecodeAll[T any](docs []Document) ([]T, error) {
	values := make([]T, 0, len(docs))
	for _, doc := range docs {
		value, err := Decode[T](doc)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

// normalizeValue brings a Go value into the JSON shape documents are stored in, e.g. int -> float64.
func normalizeValue(value any) any {
	switch typed := value.(type) {
	case nil, string, bool, float64:
		return typed
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	case time.Time:
		return typed.Format(time.RFC3339Nano)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var normalized any
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return value
	}
	return normalized
}

// normalizeDocument returns a deep copy of `doc` in JSON shape.
func normalizeDocument(doc Document) Document {
	normalized := make(Document, len(doc))
	for key, value := range doc {
		normalized[key] = cloneValue(normalizeValue(value))
	}
	return normalized
}

// cloneValue deep copies JSON shaped values so callers can't mutate stored documents.
func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, nested := range typed {
			cloned[key] = cloneValue(nested)
		}
		return cloned
	case Document:
		return map[string]any(cloneDocument(typed))
	case []any:
		cloned := make([]any, len(typed))
		for i, nested := range typed {
			cloned[i] = cloneValue(nested)
		}
		return cloned
	default:
		return typed
	}
}

func cloneDocument(doc Document) Document {
	cloned := make(Document, len(doc))
	for key, value := range doc {
		cloned[key] = cloneValue(value)
	}
	return cloned
}

// valuesEqual compares two JSON shaped scalars.
func valuesEqual(a, b any) bool {
	a, b = normalizeValue(a), normalizeValue(b)
	switch typedA := a.(type) {
	case nil:
		return b == nil
	case string, bool, float64:
		return a == b
	default:
		encodedA, errA := json.Marshal(typedA)
		encodedB, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(encodedA) == string(encodedB)
	}
}

// matchCondition evaluates a single condition against a normalized document.
func matchCondition(doc Document, condition Condition) bool {
	value, exists := doc[condition.Field]
	switch condition.Op {
	case OpEq:
		return exists && valuesEqual(value, condition.Value)
	case OpNe:
		return !exists || !valuesEqual(value, condition.Value)
	case OpIn:
		candidates, _ := condition.Value.([]any)
		return exists && slices.ContainsFunc(candidates, func(candidate any) bool {
			return valuesEqual(value, candidate)
		})
	case OpContains:
		elements, isList := value.([]any)
		return isList && slices.ContainsFunc(elements, func(element any) bool {
			return valuesEqual(element, condition.Value)
		})
	default:
		return false
	}
}

// Matches reports whether `doc` satisfies every condition of the filter.
func (f Filter) Matches(doc Document) bool {
	for _, condition := range f {
		if !matchCondition(doc, condition) {
			return false
		}
	}
	return true
}

// compareValues orders two JSON shaped values. Timestamps are compared chronologically.
func compareValues(a, b any) int {
	switch typedA := a.(type) {
	case nil:
		if b == nil {
			return 0
		}
		return -1
	case float64:
		if typedB, ok := b.(float64); ok {
			return cmp.Compare(typedA, typedB)
		}
	case bool:
		if typedB, ok := b.(bool); ok {
			switch {
			case typedA == typedB:
				return 0
			case !typedA:
				return -1
			default:
				return 1
			}
		}
	case string:
		if typedB, ok := b.(string); ok {
			timeA, errA := time.Parse(time.RFC3339Nano, typedA)
			timeB, errB := time.Parse(time.RFC3339Nano, typedB)
			if errA == nil && errB == nil {
				return timeA.Compare(timeB)
			}
			return strings.Compare(typedA, typedB)
		}
	}
	if b == nil {
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// sortedDocument pairs a document with its insertion sequence for stable ordering.
type sortedDocument struct {
	doc Document
	seq uint64
}

// sortWindow sorts the given documents and returns the window selected by Skip and Limit.
func sortWindow(docs []sortedDocument, opts FindOptions) []sortedDocument {
	slices.SortFunc(docs, func(a, b sortedDocument) int {
		order := 0
		if opts.SortBy != "" {
			order = compareValues(a.doc[opts.SortBy], b.doc[opts.SortBy])
		}
		order = cmp.Or(order, cmp.Compare(a.seq, b.seq))
		if opts.Order == Descending {
			return -order
		}
		return order
	})
	if opts.Skip >= len(docs) {
		return nil
	}
	docs = docs[opts.Skip:]
	if opts.Limit > 0 && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}
	return docs
}

// applyFindOptions sorts, skips and limits the given documents.
func applyFindOptions(docs []sortedDocument, opts FindOptions) []Document {
	window := sortWindow(docs, opts)
	result := make([]Document, len(window))
	for i, sorted := range window {
		result[i] = sorted.doc
	}
	return result
}

// identityOf renders the composite identity of `doc` over `fields`. Documents missing any field have no identity.
func identityOf(doc Document, fields []string) (string, bool) {
	parts := make([]string, len(fields))
	for i, field := range fields {
		value, exists := doc[field]
		if !exists || value == nil {
			return "", false
		}
		encoded, err := json.Marshal(normalizeValue(value))
		if err != nil {
			return "", false
		}
		parts[i] = string(encoded)
	}
	return strings.Join(parts, "\x00"), true
}
