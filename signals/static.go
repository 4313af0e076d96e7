// signals/static.go
package signals

import (
	"context"
	"sync"
)

// StaticProvider serves canned views from memory. Used for simulation runs
// without a model sidecar and throughout the test suite.
type StaticProvider struct {
	mu    sync.Mutex
	views map[string]SymbolView
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{views: make(map[string]SymbolView)}
}

// Set installs or replaces the view for a symbol.
func (p *StaticProvider) Set(v SymbolView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.views[v.Symbol] = v
}

// Clear removes the view for a symbol.
func (p *StaticProvider) Clear(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.views, symbol)
}

// Views returns the stored views for the requested symbols. Symbols without a
// stored view are simply absent from the result.
func (p *StaticProvider) Views(ctx context.Context, symbols []string) (map[string]SymbolView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]SymbolView, len(symbols))
	for _, s := range symbols {
		if v, ok := p.views[s]; ok {
			out[s] = v
		}
	}
	return out, nil
}
