// Package memory provides the in-memory document database backing tests and
// the snapshotting persistent backends.
package memory

import (
	"context"
	"sync"

	"refcore/pkg/document"
)

// Database is an in-memory document.Database. Every read and write crosses a
// deep-clone boundary so callers can never alias stored state.
type Database struct {
	mu          sync.RWMutex
	collections map[string]*collection
	// afterWrite, when set, runs after every successful mutation while the
	// write lock is still held, receiving a deep copy of the full state.
	// The snapshotting backends hook it to persist.
	afterWrite func(document.State) error
}

// NewDatabase constructs an empty in-memory database.
func NewDatabase() *Database {
	return &Database{collections: map[string]*collection{}}
}

// SetAfterWrite installs the post-mutation hook used by persistent backends.
func (db *Database) SetAfterWrite(fn func(document.State) error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.afterWrite = fn
}

// Collection returns a handle on the named collection. The backing
// collection is created lazily on first write.
func (db *Database) Collection(name string) document.Collection {
	return &collectionHandle{db: db, name: name}
}

// Close releases nothing for the in-memory backend.
func (db *Database) Close() error { return nil }

// ExportState deep-copies every collection in insertion order.
func (db *Database) ExportState() document.State {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.exportLocked()
}

func (db *Database) exportLocked() document.State {
	state := document.State{}
	for name, c := range db.collections {
		docs := make([]document.Doc, 0, len(c.docs))
		for _, d := range c.docs {
			docs = append(docs, document.Clone(d))
		}
		state[name] = docs
	}
	return state
}

// ImportState replaces the database contents with the provided snapshot.
func (db *Database) ImportState(state document.State) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.collections = map[string]*collection{}
	for name, docs := range state {
		c := newCollection()
		for _, d := range docs {
			c.docs = append(c.docs, document.Clone(d))
			c.byID[document.ID(d)] = len(c.docs) - 1
		}
		db.collections[name] = c
	}
}

// collection returns the named collection for writing, creating it on first
// use. Callers must hold the write lock.
func (db *Database) collection(name string) *collection {
	c, ok := db.collections[name]
	if !ok {
		c = newCollection()
		db.collections[name] = c
	}
	return c
}

// lookup returns the named collection for reading, or nil when it has never
// been written. Callers must hold at least the read lock.
func (db *Database) lookup(name string) *collection {
	return db.collections[name]
}

type collection struct {
	docs []document.Doc
	byID map[string]int
}

func newCollection() *collection {
	return &collection{byID: map[string]int{}}
}

func (c *collection) reindex() {
	c.byID = make(map[string]int, len(c.docs))
	for i, d := range c.docs {
		c.byID[document.ID(d)] = i
	}
}

// collectionHandle routes Collection calls through the database locks so a
// handle stays valid across snapshot imports.
type collectionHandle struct {
	db   *Database
	name string
}

func (h *collectionHandle) Find(ctx context.Context, filter document.Doc, projection []string) ([]document.Doc, error) {
	h.db.mu.RLock()
	defer h.db.mu.RUnlock()
	c := h.db.lookup(h.name)
	if c == nil {
		return nil, nil
	}
	var out []document.Doc
	for _, d := range c.docs {
		if document.Matches(d, filter) {
			out = append(out, document.Project(document.Clone(d), projection))
		}
	}
	return out, nil
}

func (h *collectionHandle) FindOne(ctx context.Context, filter document.Doc, projection []string) (document.Doc, error) {
	h.db.mu.RLock()
	defer h.db.mu.RUnlock()
	c := h.db.lookup(h.name)
	if c == nil {
		return nil, nil
	}
	for _, d := range c.docs {
		if document.Matches(d, filter) {
			return document.Project(document.Clone(d), projection), nil
		}
	}
	return nil, nil
}

func (h *collectionHandle) FindOneAndModify(ctx context.Context, filter document.Doc, update document.Doc) (document.Doc, error) {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	c := h.db.collection(h.name)
	for i, d := range c.docs {
		if !document.Matches(d, filter) {
			continue
		}
		working := document.Clone(d)
		if err := document.Apply(working, update); err != nil {
			return nil, err
		}
		c.docs[i] = working
		if err := h.afterWrite(); err != nil {
			return nil, err
		}
		return document.Clone(working), nil
	}
	return nil, nil
}

func (h *collectionHandle) Insert(ctx context.Context, doc document.Doc) error {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	c := h.db.collection(h.name)
	id := document.ID(doc)
	if _, exists := c.byID[id]; exists {
		return document.ErrDuplicateKey
	}
	c.docs = append(c.docs, document.Clone(doc))
	c.byID[id] = len(c.docs) - 1
	return h.afterWrite()
}

func (h *collectionHandle) Delete(ctx context.Context, filter document.Doc) (int, error) {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	c := h.db.collection(h.name)
	kept := c.docs[:0]
	removed := 0
	for _, d := range c.docs {
		if document.Matches(d, filter) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	c.docs = kept
	c.reindex()
	if removed > 0 {
		if err := h.afterWrite(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (h *collectionHandle) Count(ctx context.Context, filter document.Doc) (int, error) {
	h.db.mu.RLock()
	defer h.db.mu.RUnlock()
	c := h.db.lookup(h.name)
	if c == nil {
		return 0, nil
	}
	n := 0
	for _, d := range c.docs {
		if document.Matches(d, filter) {
			n++
		}
	}
	return n, nil
}

func (h *collectionHandle) Distinct(ctx context.Context, field string, filter document.Doc) ([]any, error) {
	h.db.mu.RLock()
	defer h.db.mu.RUnlock()
	c := h.db.lookup(h.name)
	if c == nil {
		return nil, nil
	}
	var out []any
	for _, d := range c.docs {
		if !document.Matches(d, filter) {
			continue
		}
		v, ok := document.Get(d, field)
		if !ok {
			continue
		}
		seen := false
		for _, existing := range out {
			if document.Equal(existing, v) {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, v)
		}
	}
	return out, nil
}

func (h *collectionHandle) afterWrite() error {
	if h.db.afterWrite == nil {
		return nil
	}
	return h.db.afterWrite(h.db.exportLocked())
}
