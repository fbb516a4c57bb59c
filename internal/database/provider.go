package database

import (
	"context"
	"errors"
	"sync"
)

var (
	backendMu      sync.RWMutex
	backendName    string
	backendFactory func() Store
	rootIndex      *RootIndex // Singleton shared by the CLI and the web server
)

// RegisterBackend registers the store constructor of the active backend.
// This is called by the postgres and sqlite packages to avoid import cycles.
func RegisterBackend(name string, factory func() Store) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendName = name
	backendFactory = factory
}

// ResetBackend forgets the registered backend.
func ResetBackend() {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendName = ""
	backendFactory = nil
	rootIndex = nil
}

// IsInitialized returns whether a backend has been registered.
func IsInitialized() bool {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return backendFactory != nil
}

// BackendName returns the name of the registered backend.
func BackendName() string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return backendName
}

// GetStore returns the registered Store
func GetStore(ctx context.Context) (Store, error) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	if backendFactory == nil {
		return nil, errors.New("storage backend not initialized: set DATABASE_URL or SQLITE_PATH")
	}
	return backendFactory(), nil
}

// RegisterRootIndex registers the in-memory root index.
func RegisterRootIndex(idx *RootIndex) {
	backendMu.Lock()
	defer backendMu.Unlock()
	rootIndex = idx
}

// GetRootIndex returns the registered root index, or nil if not registered.
func GetRootIndex() *RootIndex {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return rootIndex
}
