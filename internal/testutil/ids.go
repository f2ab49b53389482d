package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable batch IDs: prefix-0001, prefix-0002
// and so on. Golden traces stay byte-identical across runs because no
// random or time-based component is involved.
//
// It satisfies engine.IDGenerator and is safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs returns a generator using prefix, or "batch" when
// prefix is empty.
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "batch"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next ID.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
