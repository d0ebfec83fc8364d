package dlp

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry provides a threadsafe catalog of masking strategies keyed by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry constructs an empty Registry instance.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register inserts or replaces a strategy using its name as the identifier.
func (r *Registry) Register(entry Entry) error {
	if entry.Strategy == nil {
		return fmt.Errorf("dlp: registry entry requires a strategy")
	}
	name := strings.TrimSpace(entry.Strategy.Name())
	if name == "" {
		return fmt.Errorf("dlp: registry strategy name is required")
	}

	key := strings.ToLower(name)

	r.mu.Lock()
	r.entries[key] = entry
	r.mu.Unlock()
	return nil
}

// RegisterAll inserts multiple strategies in a single call.
func (r *Registry) RegisterAll(entries []Entry) error {
	for _, entry := range entries {
		if err := r.Register(entry); err != nil {
			return err
		}
	}
	return nil
}

// Resolve retrieves a strategy by name.
func (r *Registry) Resolve(name string) (Entry, bool) {
	if name == "" {
		return Entry{}, false
	}
	key := strings.ToLower(name)

	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	return entry, ok
}

// Clone returns a snapshot of all registered strategies ordered by priority, then name.
func (r *Registry) Clone() []Entry {
	r.mu.RLock()
	result := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		result = append(result, entry)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority == result[j].Priority {
			return result[i].Strategy.Name() < result[j].Strategy.Name()
		}
		return result[i].Priority < result[j].Priority
	})
	return result
}

// Orchestrator builds an orchestrator from the named strategies, or from every
// registered strategy when names is empty.
func (r *Registry) Orchestrator(names []string) (*Orchestrator, error) {
	if len(names) == 0 {
		return NewOrchestrator(r.Clone()...)
	}
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		entry, ok := r.Resolve(name)
		if !ok {
			return nil, fmt.Errorf("dlp: unknown strategy %q", name)
		}
		entries = append(entries, entry)
	}
	return NewOrchestrator(entries...)
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// GlobalRegistry returns the process-wide registry populated with builtin strategies.
func GlobalRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		_ = defaultRegistry.RegisterAll(DefaultEntries())
	})
	return defaultRegistry
}
