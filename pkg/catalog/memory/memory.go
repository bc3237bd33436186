// Package memory implements an in-memory catalog.Catalog.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/dittobackup/pkg/catalog"
	"github.com/marmos91/dittobackup/pkg/setup"
)

// Catalog keeps records in a map keyed by catalog.Key. Records are cloned
// on the way in and out.
type Catalog struct {
	mu      sync.RWMutex
	records map[string]*catalog.Record
	closed  bool
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{records: make(map[string]*catalog.Record)}
}

func (c *Catalog) Add(ctx context.Context, rec *catalog.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := catalog.Validate(rec); err != nil {
		return err
	}

	key := catalog.Key(rec.Snapshot())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return catalog.ErrClosed
	}
	if _, ok := c.records[key]; ok {
		return fmt.Errorf("%s: %w", rec.Snapshot(), catalog.ErrExists)
	}
	c.records[key] = rec.Clone()
	return nil
}

func (c *Catalog) Get(ctx context.Context, snap setup.Snapshot) (*catalog.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, catalog.ErrClosed
	}
	rec, ok := c.records[catalog.Key(snap)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", snap, catalog.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (c *Catalog) Latest(ctx context.Context, group string) (*catalog.Record, error) {
	recs, err := c.List(ctx, group)
	if err != nil {
		return nil, err
	}
	if group == "" || len(recs) == 0 {
		return nil, fmt.Errorf("group %q: %w", group, catalog.ErrNotFound)
	}
	return recs[len(recs)-1], nil
}

func (c *Catalog) List(ctx context.Context, group string) ([]*catalog.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := catalog.GroupPrefix(group)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, catalog.ErrClosed
	}

	keys := make([]string, 0, len(c.records))
	for key := range c.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := make([]*catalog.Record, len(keys))
	for i, key := range keys {
		out[i] = c.records[key].Clone()
	}
	return out, nil
}

func (c *Catalog) Delete(ctx context.Context, snap setup.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := catalog.Key(snap)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return catalog.ErrClosed
	}
	if _, ok := c.records[key]; !ok {
		return fmt.Errorf("%s: %w", snap, catalog.ErrNotFound)
	}
	delete(c.records, key)
	return nil
}

func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.records = nil
	return nil
}
