package ledger

import (
	"fmt"
	"sync"
)

// BackendType names a Backend implementation.
type BackendType string

const (
	// MemoryType is the in-memory backend.
	MemoryType BackendType = "memory"
	// DBType is the sqlite backend.
	DBType BackendType = "db"
)

// Constructor creates a Backend from free-form parameters.
type Constructor func(params map[string]any) (Backend, error)

type registry struct {
	mu           sync.RWMutex
	constructors map[BackendType]Constructor
}

var defaultRegistry = &registry{constructors: make(map[BackendType]Constructor)}

// Register adds a backend implementation.
func Register(bt BackendType, constructor Constructor) error {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()

	if _, exists := defaultRegistry.constructors[bt]; exists {
		return fmt.Errorf("backend type %s already registered", bt)
	}
	defaultRegistry.constructors[bt] = constructor
	return nil
}

// Open creates a Backend of the given type. The empty type selects the
// memory backend.
func Open(bt BackendType, params map[string]any) (Backend, error) {
	if bt == "" {
		bt = MemoryType
	}
	defaultRegistry.mu.RLock()
	constructor, exists := defaultRegistry.constructors[bt]
	defaultRegistry.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("backend type %s not found", bt)
	}
	return constructor(params)
}

// Registered lists the registered backend types.
func Registered() []BackendType {
	defaultRegistry.mu.RLock()
	defer defaultRegistry.mu.RUnlock()

	out := make([]BackendType, 0, len(defaultRegistry.constructors))
	for bt := range defaultRegistry.constructors {
		out = append(out, bt)
	}
	return out
}
