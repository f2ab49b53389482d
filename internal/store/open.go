package store

import "fmt"

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendFile   = "file"
)

// Backends lists the names Open accepts.
func Backends() []string {
	return []string{BackendMemory, BackendSQLite, BackendBolt, BackendFile}
}

// Open opens a backend by name. location is the SQLite or bolt file, or
// the directory of a file database; memory ignores it. An empty backend
// means memory.
func Open(backend, location string, opts ...Option) (StoredDatabase, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryDatabase(), nil
	case BackendSQLite:
		if location == "" {
			location = ":memory:"
		}
		return OpenSQLite(location)
	case BackendBolt:
		if location == "" {
			return nil, fmt.Errorf("bolt backend requires a file path")
		}
		return OpenBolt(location, opts...)
	case BackendFile:
		if location == "" {
			return nil, fmt.Errorf("file backend requires a directory")
		}
		return OpenFileDatabase(location)
	default:
		return nil, fmt.Errorf("unknown backend %q (want one of %v)", backend, Backends())
	}
}
