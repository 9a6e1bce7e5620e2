package window

import (
	"sort"
	"sync"

	"github.com/pbaille/chanscope/internal/source"
)

// Registry holds one Window per scope for the lifetime of a viewing session
type Registry struct {
	src source.Source
	cfg Config

	mu      sync.Mutex
	windows map[string]*Window
}

// NewRegistry creates an empty registry whose windows read from src
func NewRegistry(src source.Source, cfg Config) *Registry {
	return &Registry{
		src:     src,
		cfg:     cfg.withDefaults(),
		windows: make(map[string]*Window),
	}
}

// Get returns the window for scope, creating it on first use
func (r *Registry) Get(scope string) *Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[scope]
	if !ok {
		w = New(scope, r.src, r.cfg)
		r.windows[scope] = w
	}
	return w
}

// Drop forgets the window of scope; a later Get starts from an empty window
func (r *Registry) Drop(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, scope)
	r.cfg.Metrics.SetCached(scope, 0)
}

// Scopes returns the scopes with a live window, sorted
func (r *Registry) Scopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	scopes := make([]string, 0, len(r.windows))
	for s := range r.windows {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes
}
