package workflow

import (
	"context"
	"sort"
	"sync"
)

// StepFunc is one invocable target function. It receives the rendered step
// payload and returns the step's result, which the engine merges into the
// execution context under the step's name.
type StepFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Registry maps target function names to their implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]StepFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]StepFunc)}
}

// Register adds or replaces a target function.
func (r *Registry) Register(name string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.funcs[name] = fn
}

// Get returns the named target function.
func (r *Registry) Get(name string) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]

	return fn, ok
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
