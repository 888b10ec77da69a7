package session

import (
	"io"

	"peerdrop/models"
)

// catalog keeps entries in insertion order with id lookup.
type catalog[T any] struct {
	ids   []string
	items map[string]T
}

func newCatalog[T any]() *catalog[T] {
	return &catalog[T]{items: make(map[string]T)}
}

// add inserts item unless id is already present.
func (c *catalog[T]) add(id string, item T) bool {
	if _, ok := c.items[id]; ok {
		return false
	}
	c.ids = append(c.ids, id)
	c.items[id] = item
	return true
}

func (c *catalog[T]) get(id string) (T, bool) {
	item, ok := c.items[id]
	return item, ok
}

func (c *catalog[T]) remove(id string) (T, bool) {
	item, ok := c.items[id]
	if !ok {
		return item, false
	}
	delete(c.items, id)
	for i, existing := range c.ids {
		if existing == id {
			c.ids = append(c.ids[:i], c.ids[i+1:]...)
			break
		}
	}
	return item, true
}

func (c *catalog[T]) len() int {
	return len(c.ids)
}

func (c *catalog[T]) clear() {
	c.ids = nil
	clear(c.items)
}

// values returns entries in insertion order.
func (c *catalog[T]) values() []T {
	out := make([]T, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.items[id])
	}
	return out
}

// LocalFile describes a file to offer. Source is read lazily; if it implements
// io.Closer it is closed when the file is removed or the session stops.
type LocalFile struct {
	Name   string
	Size   int64
	Source io.ReaderAt
}

// fileRecord is a locally offered file and exclusive owner of its source.
type fileRecord struct {
	models.File
	source  io.ReaderAt
	removed bool
}

func (r *fileRecord) close() error {
	r.removed = true
	if closer, ok := r.source.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
