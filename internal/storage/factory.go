package storage

import "fmt"

// DefaultDBPath is where the sqlite run history lives when no path is fed.
const DefaultDBPath = "meshnet.db"

// NewStore builds the run-history backend. An empty kind selects the
// in-memory store; the sqlite backend requires the sqlite build tag.
func NewStore(kind, dbPath string) (Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(dbPath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// CloseIfSupported closes backends that hold a database handle; the memory
// store has nothing to release.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
