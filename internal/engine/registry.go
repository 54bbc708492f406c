package engine

import (
	"fmt"
	"sort"
	"sync"
)

// UnknownStrategyError reports a strategy name with no registered engine.
type UnknownStrategyError struct {
	Name string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("engine: unknown strategy %q", e.Name)
}

// Registry maps strategy names to engines. It is populated at startup and
// read on every ingest, so lookups take a read lock only.
//
// Resolution policy: in lenient mode an unregistered name falls back to the
// registered default; in strict mode it fails with *UnknownStrategyError.
type Registry struct {
	strict bool

	mu          sync.RWMutex
	engines     map[string]Engine
	defaultName string
}

// NewRegistry returns an empty registry. strict controls whether Resolve
// fails on unknown names instead of falling back to the default.
func NewRegistry(strict bool) *Registry {
	return &Registry{
		strict:  strict,
		engines: make(map[string]Engine),
	}
}

// Handle registers an engine under a strategy name. The first registered
// engine becomes the default until SetDefault overrides it.
func (r *Registry) Handle(name string, eng Engine) error {
	if name == "" {
		return fmt.Errorf("engine: strategy name must not be empty")
	}
	if eng == nil {
		return fmt.Errorf("engine: nil engine for strategy %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[name]; exists {
		return fmt.Errorf("engine: strategy %q already registered", name)
	}
	r.engines[name] = eng
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// HandleFunc registers an ordinary function as an engine.
func (r *Registry) HandleFunc(name string, f Func) error {
	return r.Handle(name, f)
}

// SetDefault marks an already-registered strategy as the lenient-mode
// fallback.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[name]; !ok {
		return &UnknownStrategyError{Name: name}
	}
	r.defaultName = name
	return nil
}

// Default returns the fallback engine.
func (r *Registry) Default() (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultName == "" {
		return nil, fmt.Errorf("engine: no engines registered")
	}
	return r.engines[r.defaultName], nil
}

// Resolve returns the engine for name along with the canonical strategy name,
// applying the strict/lenient policy. In lenient mode an unknown name resolves
// to the default engine and the default's name comes back, so cache keys are
// derived from the strategy that actually runs.
func (r *Registry) Resolve(name string) (Engine, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if eng, ok := r.engines[name]; ok {
		return eng, name, nil
	}
	if r.strict || r.defaultName == "" {
		return nil, "", &UnknownStrategyError{Name: name}
	}
	return r.engines[r.defaultName], r.defaultName, nil
}

// Strict reports the resolution mode.
func (r *Registry) Strict() bool { return r.strict }

// Names lists registered strategies in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
