package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownJobType = errors.New("unknown job type")

// Func runs one job. Its context is cancelled when the node loses the job's running
// lock or shuts down.
type Func func(ctx context.Context, parameter map[string]string) error

// Registry maps job type ids to the functions executing them.
type Registry struct {
	funcs map[string]Func
	mutex sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]Func),
	}
}

// Register adds a new job type.
func (r *Registry) Register(typeID string, fn Func) error {
	if typeID == "" || fn == nil {
		return fmt.Errorf("job type id and function are required")
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.funcs[typeID]; exists {
		return fmt.Errorf("job type '%s' already registered", typeID)
	}
	r.funcs[typeID] = fn
	return nil
}

func (r *Registry) Exists(typeID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, exists := r.funcs[typeID]
	return exists
}

func (r *Registry) Execute(ctx context.Context, typeID string, parameter map[string]string) error {
	r.mutex.RLock()
	fn, exists := r.funcs[typeID]
	r.mutex.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, typeID)
	}
	return fn(ctx, parameter)
}

func (r *Registry) List() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
