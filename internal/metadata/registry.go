package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Registry holds the current Catalog. Readers take a snapshot once per call
// and keep using it; Reload swaps the pointer and never mutates a catalog
// that has been published.
type Registry struct {
	current atomic.Pointer[Catalog]
	source  Source
}

func NewRegistry(source Source) *Registry {
	r := &Registry{source: source}
	r.current.Store(&Catalog{entities: map[string]*Entity{}})
	return r
}

// Snapshot returns the catalog in effect right now. Never nil.
func (r *Registry) Snapshot() *Catalog {
	return r.current.Load()
}

// GetEntity returns the entity with the given name from the current catalog, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	e, _ := r.Snapshot().Entity(name)
	return e
}

// Swap publishes a new catalog.
func (r *Registry) Swap(c *Catalog) {
	if c == nil {
		return
	}
	r.current.Store(c)
}

// Load reads the source, builds a catalog and publishes it. On error the
// previous catalog stays in effect.
func (r *Registry) Load(ctx context.Context) error {
	if r.source == nil {
		return fmt.Errorf("metadata registry has no source")
	}
	entities, err := r.source.Entities(ctx)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	catalog, err := NewCatalog(entities)
	if err != nil {
		return fmt.Errorf("build catalog: %w", err)
	}
	r.Swap(catalog)
	slog.Info("metadata loaded", "entities", catalog.Len())
	return nil
}

// Reload is an alias for Load, called from the admin API.
func (r *Registry) Reload(ctx context.Context) error {
	return r.Load(ctx)
}
