package core

import (
	"sync"

	"aiedu.app/tutor/internal/metrics"
	"aiedu.app/tutor/internal/store"
)

// Registry tracks the live pages so requests can reach them by id.
type Registry struct {
	deps Deps

	mu    sync.RWMutex
	pages map[string]*Page
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, pages: map[string]*Page{}}
}

// Open creates and registers a page for owner. The page unregisters itself on Close.
func (r *Registry) Open(owner string, kind store.Kind, view View) (*Page, bool) {
	v, ok := VariantFor(kind)
	if !ok {
		return nil, false
	}
	p := NewPage(owner, v, view, r.deps)
	p.onClose = r.remove

	r.mu.Lock()
	r.pages[p.ID] = p
	r.mu.Unlock()
	metrics.ActivePages.WithLabelValues(string(kind)).Inc()
	return p, true
}

// Get returns the page with id when it belongs to owner.
func (r *Registry) Get(owner, id string) (*Page, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pages[id]
	if !ok || p.Owner != owner {
		return nil, false
	}
	return p, true
}

func (r *Registry) remove(p *Page) {
	r.mu.Lock()
	_, ok := r.pages[p.ID]
	delete(r.pages, p.ID)
	r.mu.Unlock()
	if ok {
		metrics.ActivePages.WithLabelValues(string(p.Kind())).Dec()
	}
}

// Len is the number of open pages.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pages)
}

// Shutdown closes all pages.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	pages := make([]*Page, 0, len(r.pages))
	for _, p := range r.pages {
		pages = append(pages, p)
	}
	r.mu.RUnlock()

	for _, p := range pages {
		p.Close()
	}
}
