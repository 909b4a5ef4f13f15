package relay

import (
	"context"
	"sync"

	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/transform"
)

// ModeLoader resolves the forwarding configuration of an endpoint.
type ModeLoader interface {
	EndpointMode(ctx context.Context, endpointID string) (domain.ForwardMode, string, error)
}

// ModeCache holds the selected transformer per endpoint so frames are never
// re-dispatched on the mode string. Entries are replaced by [ModeCache.Set]
// or dropped by [ModeCache.Invalidate] when the mode changes. A load that
// overlaps a Set or Invalidate is returned to its caller but never cached.
type ModeCache struct {
	loader  ModeLoader
	entries sync.Map // endpoint id -> transform.Transformer

	mu   sync.Mutex
	gens map[string]uint64
}

// NewModeCache returns a cache that loads misses through loader. A nil
// loader makes misses fall back to DIRECT.
func NewModeCache(loader ModeLoader) *ModeCache {
	return &ModeCache{loader: loader, gens: make(map[string]uint64)}
}

// Get returns the transformer for endpointID.
func (c *ModeCache) Get(ctx context.Context, endpointID string) (transform.Transformer, error) {
	if v, ok := c.entries.Load(endpointID); ok {
		return v.(transform.Transformer), nil
	}
	if c.loader == nil {
		return transform.Must(domain.ModeDirect, ""), nil
	}
	gen := c.generation(endpointID)
	mode, header, err := c.loader.EndpointMode(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	t, err := transform.New(mode, header)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[endpointID] != gen {
		return t, nil
	}
	actual, _ := c.entries.LoadOrStore(endpointID, t)
	return actual.(transform.Transformer), nil
}

func (c *ModeCache) generation(endpointID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[endpointID]
}

// Set installs the transformer for mode and header.
func (c *ModeCache) Set(endpointID string, mode domain.ForwardMode, header string) error {
	t, err := transform.New(mode, header)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.gens[endpointID]++
	c.entries.Store(endpointID, t)
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached transformer for endpointID.
func (c *ModeCache) Invalidate(endpointID string) {
	c.mu.Lock()
	c.gens[endpointID]++
	c.entries.Delete(endpointID)
	c.mu.Unlock()
}
