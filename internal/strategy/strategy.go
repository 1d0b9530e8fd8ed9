// Package strategy defines the Strategy interface for trading strategies, the
// Runtime that gives them a capital ledger, and a Registry for building
// strategies by name.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"quantdesk/internal/asset"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy is the interface that all trading strategies must implement. The
// lifecycle hooks are optional: a strategy implements only the handler
// interfaces it needs and the dispatcher skips the rest.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string
}

// OpenHandler is implemented by strategies that act at the session open. The
// view exposes today's bar truncated to its open price.
type OpenHandler interface {
	OnOpen(ctx context.Context, rt *Runtime, view asset.Set, date time.Time) error
}

// CloseHandler is implemented by strategies that act at the session close.
// The view includes today's full bar.
type CloseHandler interface {
	OnClose(ctx context.Context, rt *Runtime, view asset.Set, date time.Time) error
}

// EndHandler is implemented by strategies that need a final call after the
// last simulated step, typically to liquidate.
type EndHandler interface {
	OnStrategyEnd(ctx context.Context, rt *Runtime, view asset.Set, date time.Time) error
}

// LookbackProvider is implemented by strategies that need a minimum number of
// bars of history before they can produce signals.
type LookbackProvider interface {
	Lookback() int
}

// Factory builds a fresh strategy instance from its parameters.
type Factory func(params Params) (Strategy, error)

// Registry holds a named collection of strategy factories for lookup and
// enumeration. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the named strategy with the given parameters.
func (r *Registry) New(name string, params Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownStrategy)
	}
	s, err := f(params.Clone())
	if err != nil {
		return nil, fmt.Errorf("building strategy %s: %w", name, err)
	}
	return s, nil
}

// Has reports whether a factory is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookback returns the declared lookback of s, or 0.
func Lookback(s Strategy) int {
	if lp, ok := s.(LookbackProvider); ok {
		return lp.Lookback()
	}
	return 0
}
