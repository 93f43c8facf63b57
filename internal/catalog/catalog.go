// Package catalog holds the in-memory description of providers, their
// models and endpoints. Reads are served from an immutable copy-on-write
// snapshot so many concurrent readers never block each other; admin
// mutations swap the snapshot atomically.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jordanhubbard/modelmux/internal/fault"
)

// snapshot is the immutable state readers see. Neither the map nor the
// Provider values it holds are mutated after publication.
type snapshot struct {
	providers map[string]Provider
}

// Catalog is the provider registry. The zero value is not usable; use New.
type Catalog struct {
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[snapshot]
}

// New creates an empty catalog.
func New() *Catalog {
	c := &Catalog{}
	c.snap.Store(&snapshot{providers: map[string]Provider{}})
	return c
}

// List returns an ID-sorted snapshot of every provider. The returned slice
// is owned by the caller; the underlying Provider values must be treated
// as read-only.
func (c *Catalog) List() []Provider {
	s := c.snap.Load()
	out := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get looks up a provider by ID.
func (c *Catalog) Get(id string) (Provider, error) {
	s := c.snap.Load()
	p, ok := s.providers[id]
	if !ok {
		return Provider{}, fault.New(fault.KindUnknownProvider, "provider %q not in catalog", id)
	}
	return p, nil
}

// Upsert atomically replaces (or inserts) a provider entry. A consumer of
// a previously taken snapshot never observes a half-applied update.
func (c *Catalog) Upsert(p Provider) error {
	if p.ID == "" {
		return fault.New(fault.KindInvalidRequest, "provider id required")
	}
	if len(p.Endpoints) == 0 {
		return fault.New(fault.KindInvalidRequest, "provider %q needs at least one endpoint", p.ID)
	}
	for _, cap := range p.Capabilities {
		if !ValidCapability(cap) {
			return fault.New(fault.KindInvalidRequest, "provider %q: unknown capability %q", p.ID, cap)
		}
	}
	for _, m := range p.Models {
		if m.ProviderID != "" && m.ProviderID != p.ID {
			return fault.New(fault.KindInvalidRequest, "model %q owned by %q, not %q", m.ID, m.ProviderID, p.ID)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish(func(m map[string]Provider) { m[p.ID] = p })
	return nil
}

// Remove deletes a provider entry. Removing an unknown ID is a no-op.
func (c *Catalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publish(func(m map[string]Provider) { delete(m, id) })
}

// publish copies the current map, applies mutate, and swaps the snapshot.
// Caller must hold c.mu.
func (c *Catalog) publish(mutate func(map[string]Provider)) {
	old := c.snap.Load().providers
	next := make(map[string]Provider, len(old)+1)
	for id, p := range old {
		next[id] = p
	}
	mutate(next)
	c.snap.Store(&snapshot{providers: next})
}

// Len returns the number of registered providers.
func (c *Catalog) Len() int {
	return len(c.snap.Load().providers)
}

// catalogFile is the on-disk bootstrap shape.
type catalogFile struct {
	Providers []Provider `json:"providers"`
}

// LoadFile seeds the catalog from a JSON file. Used at boot; admin updates
// afterwards go through Upsert.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog file: %w", err)
	}
	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	for _, p := range f.Providers {
		if err := c.Upsert(p); err != nil {
			return fmt.Errorf("catalog file %s: %w", path, err)
		}
	}
	return nil
}
