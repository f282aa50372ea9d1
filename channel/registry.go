package channel

import (
	"fmt"
	"sync"

	"github.com/vitwit/tappay/clients"
	"github.com/vitwit/tappay/types"
)

// Registry holds one chain data source per chain id.
type Registry struct {
	mu      sync.RWMutex
	sources map[int64]clients.ChainSource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[int64]clients.ChainSource)}
}

// Add registers src for its chain. A second source for the same chain is
// rejected.
func (r *Registry) Add(src clients.ChainSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := src.ChainID()
	if _, ok := r.sources[id]; ok {
		return fmt.Errorf("chain %d already has a data source", id)
	}
	r.sources[id] = src
	return nil
}

// Get returns the source for chainID or an ErrChannelUnsupported error.
func (r *Registry) Get(chainID int64) (clients.ChainSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src, ok := r.sources[chainID]
	if !ok {
		return nil, types.NewError(types.ErrChannelUnsupported, "no data source for chain %d", chainID)
	}
	return src, nil
}

// Chains returns the registered chain ids.
func (r *Registry) Chains() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int64, 0, len(r.sources))
	for id := range r.sources {
		out = append(out, id)
	}
	return out
}

// Close closes every registered source.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, src := range r.sources {
		src.Close()
		delete(r.sources, id)
	}
}
