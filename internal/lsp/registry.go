package lsp

import (
	"sync"
)

// Registry holds every registered language server. Servers are keyed by
// language name; several servers may serve the same language, in which
// case registration order decides the order results are merged in.
type Registry struct {
	mu        sync.RWMutex
	byLang    map[string][]Server
	byID      map[ServerID]Server
	nextID    ServerID
	languages []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byLang: make(map[string][]Server),
		byID:   make(map[ServerID]Server),
	}
}

// Register adds a server for a language and assigns its id. The same
// server value must not be registered twice.
func (r *Registry) Register(language string, server Server) ServerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if c, ok := server.(*Client); ok {
		c.id = id
	}

	if _, ok := r.byLang[language]; !ok {
		r.languages = append(r.languages, language)
	}
	r.byLang[language] = append(r.byLang[language], server)
	r.byID[id] = server
	return id
}

// ServersFor returns the servers registered for a language, in
// registration order. An empty slice means none are registered.
func (r *Registry) ServersFor(language string) []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	servers := r.byLang[language]
	out := make([]Server, len(servers))
	copy(out, servers)
	return out
}

// ByID returns a server by id.
func (r *Registry) ByID(id ServerID) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// All returns every registered server in registration order.
func (r *Registry) All() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Server, 0, len(r.byID))
	for _, lang := range r.languages {
		out = append(out, r.byLang[lang]...)
	}
	return out
}

// TriggerCharactersFor merges trigger characters from every server for a
// language, preserving registration order and dropping duplicates.
func (r *Registry) TriggerCharactersFor(language string) (completion, onTypeFormatting []string) {
	seen := make(map[string]struct{})
	seenFmt := make(map[string]struct{})
	for _, s := range r.ServersFor(language) {
		comp, fmtTriggers := s.TriggerCharacters()
		for _, ch := range comp {
			if _, ok := seen[ch]; !ok {
				seen[ch] = struct{}{}
				completion = append(completion, ch)
			}
		}
		for _, ch := range fmtTriggers {
			if _, ok := seenFmt[ch]; !ok {
				seenFmt[ch] = struct{}{}
				onTypeFormatting = append(onTypeFormatting, ch)
			}
		}
	}
	return completion, onTypeFormatting
}
