package testutil

import (
	"fmt"
	"sync"
)

// SequentialSessionGenerator generates predictable session tokens:
// "<prefix>-1", "<prefix>-2", ...
//
// This enables deterministic sync logs and golden trace comparison.
//
// Thread-safety: SequentialSessionGenerator is safe for concurrent use.
type SequentialSessionGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialSessionGenerator creates a generator. An empty prefix
// defaults to "session".
func NewSequentialSessionGenerator(prefix string) *SequentialSessionGenerator {
	if prefix == "" {
		prefix = "session"
	}
	return &SequentialSessionGenerator{prefix: prefix}
}

// Generate returns the next token.
func (g *SequentialSessionGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
