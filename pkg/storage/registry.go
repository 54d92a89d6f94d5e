package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Opener creates a backend.
type Opener func(ctx context.Context, opts Options) (Backend, error)

var (
	registryMu sync.RWMutex
	openers    = make(map[string]Opener)
)

// Register makes a backend available under name. Backends call it from
// init; registering a name twice panics.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if open == nil {
		panic("storage: Register opener is nil")
	}
	if _, dup := openers[name]; dup {
		panic("storage: Register called twice for backend " + name)
	}
	openers[name] = open
}

// Open resolves name and opens the backend.
func Open(ctx context.Context, name string, opts Options) (Backend, error) {
	registryMu.RLock()
	open, ok := openers[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownBackend, name, Backends())
	}
	return open(ctx, opts)
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
