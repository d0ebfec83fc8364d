package dlp

import (
	"fmt"
	"sort"
)

// Entry registers a strategy at a priority.
type Entry struct {
	Priority int
	Strategy Strategy
}

// Orchestrator runs strategies in ascending priority over progressively
// masked text. It holds no per-call state and is safe for concurrent use.
type Orchestrator struct {
	entries []Entry
}

// NewOrchestrator orders the entries by priority, keeping registration order
// for ties, and rejects entries whose token prefixes overlap.
func NewOrchestrator(entries ...Entry) (*Orchestrator, error) {
	ordered := make([]Entry, 0, len(entries))
	owners := make(map[string]string)

	for _, entry := range entries {
		if entry.Strategy == nil {
			return nil, fmt.Errorf("dlp: nil strategy at priority %d", entry.Priority)
		}
		for _, prefix := range entry.Strategy.Prefixes() {
			if owner, ok := owners[prefix]; ok {
				return nil, fmt.Errorf("dlp: token prefix %s claimed by both %s and %s", prefix, owner, entry.Strategy.Name())
			}
			owners[prefix] = entry.Strategy.Name()
		}
		ordered = append(ordered, entry)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	return &Orchestrator{entries: ordered}, nil
}

// DefaultOrchestrator returns an orchestrator over the builtin strategies.
func DefaultOrchestrator() *Orchestrator {
	o, err := NewOrchestrator(DefaultEntries()...)
	if err != nil {
		panic(err)
	}
	return o
}

// MaskAll masks text with every strategy and merges the token maps.
func (o *Orchestrator) MaskAll(text string) MaskedData {
	tokens := make(map[string]string)
	masked := text

	for _, entry := range o.entries {
		res := entry.Strategy.Mask(masked)
		masked = res.MaskedText
		for token, value := range res.Tokens {
			tokens[token] = value
		}
	}

	return MaskedData{Original: text, Masked: masked, Tokens: tokens}
}

// Strategies returns the strategy names in execution order.
func (o *Orchestrator) Strategies() []string {
	names := make([]string, 0, len(o.entries))
	for _, entry := range o.entries {
		names = append(names, entry.Strategy.Name())
	}
	return names
}
