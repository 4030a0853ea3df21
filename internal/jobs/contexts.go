package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrContextNotFound = errors.New("runtime context not found")

// Resolver finds the job manager of a runtime context.
type Resolver interface {
	Resolve(contextPath string) (*Manager, error)
}

// Contexts is the Resolver of a node; every runtime context registers its manager.
type Contexts struct {
	mutex    sync.RWMutex
	managers map[string]*Manager
}

func NewContexts() *Contexts {
	return &Contexts{managers: make(map[string]*Manager)}
}

var _ Resolver = (*Contexts)(nil)

func (c *Contexts) Register(m *Manager) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.managers[m.ContextPath()]; exists {
		return fmt.Errorf("context '%s' already registered", m.ContextPath())
	}
	c.managers[m.ContextPath()] = m
	return nil
}

func (c *Contexts) Resolve(contextPath string) (*Manager, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	m, ok := c.managers[contextPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, contextPath)
	}
	return m, nil
}

func (c *Contexts) Paths() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	paths := make([]string, 0, len(c.managers))
	for p := range c.managers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
