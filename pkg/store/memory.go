package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// memoryCollection holds the documents of one collection plus its unique indexes.
type memoryCollection struct {
	docs    map[ /*id*/ string]Document
	seqs    map[ /*id*/ string]uint64 // Insertion sequence; gives Find a stable default order.
	nextSeq uint64
	// unique maps index position -> identity -> owning document id.
	unique []map[string]string
}

// Memory is an in-process Store. It's the default backend for tests and single node development.
type Memory struct { // Implements Store.
	mux         sync.RWMutex
	collections map[Collection]*memoryCollection
	newID       func() string
}

var _ Store = (*Memory)(nil)

// NewMemory is the constructor for Memory.
func NewMemory() *Memory {
	memory := &Memory{collections: make(map[Collection]*memoryCollection), newID: uuid.NewString}
	for _, collection := range AllCollections {
		unique := make([]map[string]string, len(uniqueIndexes[collection]))
		for i := range unique {
			unique[i] = make(map[string]string)
		}
		memory.collections[collection] = &memoryCollection{
			docs:   make(map[string]Document),
			seqs:   make(map[string]uint64),
			unique: unique,
		}
	}
	return memory
}

// matching returns the ids of matching documents in insertion order. NOTE: Caller should acquire lock.
func (c *memoryCollection) matching(filter Filter) []string {
	ids := make([]string, 0)
	for id, doc := range c.docs {
		if filter.Matches(doc) {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b string) int { return cmp.Compare(c.seqs[a], c.seqs[b]) })
	return ids
}

// checkUnique returns ErrConflict if `doc` collides with a document other than `selfID`.
func (c *memoryCollection) checkUnique(collection Collection, doc Document, selfID string) error {
	for i, fields := range uniqueIndexes[collection] {
		identity, hasIdentity := identityOf(doc, fields)
		if !hasIdentity {
			continue
		}
		if owner, taken := c.unique[i][identity]; taken && owner != selfID {
			return fmt.Errorf("%w: %s already has a document with the same %v", ErrConflict, collection, fields)
		}
	}
	return nil
}

func (c *memoryCollection) index(collection Collection, doc Document) {
	for i, fields := range uniqueIndexes[collection] {
		if identity, hasIdentity := identityOf(doc, fields); hasIdentity {
			c.unique[i][identity] = doc.ID()
		}
	}
}

func (c *memoryCollection) unindex(collection Collection, doc Document) {
	for i, fields := range uniqueIndexes[collection] {
		if identity, hasIdentity := identityOf(doc, fields); hasIdentity && c.unique[i][identity] == doc.ID() {
			delete(c.unique[i], identity)
		}
	}
}

func (c *memoryCollection) remove(collection Collection, id string) {
	c.unindex(collection, c.docs[id])
	delete(c.docs, id)
	delete(c.seqs, id)
}

// update applies `set` to the document with the given id. NOTE: Caller should acquire lock.
func (c *memoryCollection) update(collection Collection, id string, set Document) error {
	updated := cloneDocument(c.docs[id])
	maps.Copy(updated, normalizeDocument(set))
	if err := c.checkUnique(collection, updated, id); err != nil {
		return err
	}
	c.unindex(collection, c.docs[id])
	c.docs[id] = updated
	c.index(collection, updated)
	return nil
}

func (m *Memory) Find(ctx context.Context, collection Collection, filter Filter, opts FindOptions) ([]Document, error) {
	if err := validateRequest(collection, filter); err != nil {
		return nil, err
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mux.RLock()
	defer m.mux.RUnlock()

	c := m.collections[collection]
	docs := make([]sortedDocument, 0)
	for id, doc := range c.docs {
		if filter.Matches(doc) {
			docs = append(docs, sortedDocument{doc: cloneDocument(doc), seq: c.seqs[id]})
		}
	}
	return applyFindOptions(docs, opts), nil
}

func (m *Memory) FindOne(ctx context.Context, collection Collection, filter Filter) (Document, error) {
	docs, err := m.Find(ctx, collection, filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no %s document matches the filter", ErrNotFound, collection)
	}
	return docs[0], nil
}

func (m *Memory) InsertOne(ctx context.Context, collection Collection, doc Document) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	normalized := normalizeDocument(doc)
	id := normalized.ID()
	if id == "" {
		id = m.newID()
		normalized[IDField] = id
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	c := m.collections[collection]
	if _, exists := c.docs[id]; exists {
		return "", fmt.Errorf("%w: %s already has id '%s'", ErrConflict, collection, id)
	}
	if err := c.checkUnique(collection, normalized, id); err != nil {
		return "", err
	}
	c.nextSeq++
	c.docs[id] = normalized
	c.seqs[id] = c.nextSeq
	c.index(collection, normalized)
	return id, nil
}

func (m *Memory) UpdateOne(ctx context.Context, collection Collection, filter Filter, set Document) error {
	if err := validateRequest(collection, filter); err != nil {
		return err
	}
	if err := validateUpdate(set); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mux.Lock()
	defer m.mux.Unlock()

	c := m.collections[collection]
	ids := c.matching(filter)
	if len(ids) == 0 {
		return fmt.Errorf("%w: no %s document matches the filter", ErrNotFound, collection)
	}
	return c.update(collection, ids[0], set)
}

func (m *Memory) UpdateMany(ctx context.Context, collection Collection, filter Filter, set Document) (int, error) {
	if err := validateRequest(collection, filter); err != nil {
		return 0, err
	}
	if err := validateUpdate(set); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mux.Lock()
	defer m.mux.Unlock()

	c := m.collections[collection]
	updated := 0
	for _, id := range c.matching(filter) {
		if err := c.update(collection, id, set); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (m *Memory) DeleteOne(ctx context.Context, collection Collection, filter Filter) error {
	if err := validateRequest(collection, filter); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mux.Lock()
	defer m.mux.Unlock()

	c := m.collections[collection]
	ids := c.matching(filter)
	if len(ids) == 0 {
		return fmt.Errorf("%w: no %s document matches the filter", ErrNotFound, collection)
	}
	c.remove(collection, ids[0])
	return nil
}

func (m *Memory) DeleteMany(ctx context.Context, collection Collection, filter Filter) (int, error) {
	if err := validateRequest(collection, filter); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mux.Lock()
	defer m.mux.Unlock()

	c := m.collections[collection]
	ids := c.matching(filter)
	for _, id := range ids {
		c.remove(collection, id)
	}
	return len(ids), nil
}

func (m *Memory) CountDocuments(ctx context.Context, collection Collection, filter Filter) (int, error) {
	if err := validateRequest(collection, filter); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mux.RLock()
	defer m.mux.RUnlock()

	count := 0
	for _, doc := range m.collections[collection].docs {
		if filter.Matches(doc) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) Close() error { return nil }
