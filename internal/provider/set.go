package provider

import (
	"fmt"
	"slices"

	"github.com/kalambet/pocketchat/internal/chat"
)

type entry struct {
	provider Provider
	model    string
}

// Set holds the configured providers and the order to fall back in.
type Set struct {
	entries map[chat.ProviderID]entry
	order   []chat.ProviderID
}

// NewSet creates an empty Set. order is the fallback order; providers not
// listed are appended in the order they are added.
func NewSet(order ...chat.ProviderID) *Set {
	return &Set{
		entries: make(map[chat.ProviderID]entry),
		order:   slices.Clone(order),
	}
}

// Add registers p with the model used when none is chosen explicitly.
func (s *Set) Add(p Provider, defaultModel string) {
	id := p.ID()
	s.entries[id] = entry{provider: p, model: defaultModel}
	if !slices.Contains(s.order, id) {
		s.order = append(s.order, id)
	}
}

// Get returns the provider registered under id.
func (s *Set) Get(id chat.ProviderID) (Provider, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return e.provider, nil
}

// DefaultModel returns the default model of provider id.
func (s *Set) DefaultModel(id chat.ProviderID) string {
	return s.entries[id].model
}

// Configured lists registered providers in fallback order.
func (s *Set) Configured() []chat.ProviderID {
	var out []chat.ProviderID
	for _, id := range s.order {
		if _, ok := s.entries[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Next returns the provider to fall back to after the ones in tried.
func (s *Set) Next(tried ...chat.ProviderID) (chat.ProviderID, bool) {
	for _, id := range s.Configured() {
		if !slices.Contains(tried, id) {
			return id, true
		}
	}
	return "", false
}
