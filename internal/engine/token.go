package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TokenGenerator generates unique token ids.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
//
// Every structural operation (row ingest, branch, batch flush) mints ids
// through this interface; ids are NEVER derived from an input token, so
// an output can never alias an input's identity.
type TokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 token ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, making tokens
// sortable by creation time, which is helpful when eyeballing traces.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined token ids for testing.
// Enables deterministic lineage traces and golden file comparison.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator that returns ids in order.
// Panics when all ids are consumed - a test asking for more tokens than
// it declared is a test bug, not a condition to paper over.
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next predetermined id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.tokens) {
		panic(fmt.Sprintf("FixedGenerator exhausted after %d tokens", len(g.tokens)))
	}
	tok := g.tokens[g.idx]
	g.idx++
	return tok
}

// SequenceGenerator returns "<prefix>-000001", "<prefix>-000002", and so
// on. Unlike FixedGenerator it never exhausts, so conformance scenarios
// get deterministic ids without declaring every mint up front.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator with the given id prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next sequential id.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}
