package common

import "sync"

// RequestContextRegistry holds the live browser contexts so that a stored
// fetch response can be found from any of them.
type RequestContextRegistry struct {
	mu       sync.RWMutex
	contexts map[string]*BrowserContext
}

// NewRequestContextRegistry returns an empty registry.
func NewRequestContextRegistry() *RequestContextRegistry {
	return &RequestContextRegistry{contexts: make(map[string]*BrowserContext)}
}

func (r *RequestContextRegistry) register(bctx *BrowserContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[bctx.id] = bctx
}

func (r *RequestContextRegistry) unregister(bctx *BrowserContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, bctx.id)
}

// FindFetchResponse searches every live context for the body stored
// under uid.
func (r *RequestContextRegistry) FindFetchResponse(uid string) ([]byte, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, bctx := range r.contexts {
		if b, ok := bctx.fetchResponse(uid); ok {
			return b, true
		}
	}
	return nil, false
}

// Len returns the number of live contexts.
func (r *RequestContextRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}
