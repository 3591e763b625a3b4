package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs returns predetermined identifiers, then numbered fallbacks.
//
// This keeps server-assigned transaction ids stable across test runs so
// responses can be compared against golden files.
//
// Thread-safety: SequenceIDs is safe for concurrent use via internal mutex.
type SequenceIDs struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewSequenceIDs creates a generator returning ids in order.
// Once exhausted, Generate returns "tx-<n>" with n counting from 1 overall.
func NewSequenceIDs(ids ...string) *SequenceIDs {
	return &SequenceIDs{ids: ids}
}

// Generate returns the next identifier.
func (g *SequenceIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.idx++
	if g.idx <= len(g.ids) {
		return g.ids[g.idx-1]
	}
	return fmt.Sprintf("tx-%d", g.idx)
}
