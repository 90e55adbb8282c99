package ledger

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestStore creates a fresh on-disk store under t.TempDir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun inserts a run and returns its id.
func createTestRun(t *testing.T, s *Store, id string) string {
	t.Helper()
	err := s.CreateRun(context.Background(), Run{
		ID:         id,
		Pipeline:   "test-pipeline",
		ConfigHash: "cfg-hash",
		StartedAt:  "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	return id
}

// createTestToken inserts a row and a token owning it, with optional parents.
func createTestToken(t *testing.T, s *Store, runID, tokenID string, seq int64, parents ...string) {
	t.Helper()
	ctx := context.Background()
	rowID := "row-" + tokenID
	err := s.WriteRow(ctx, Row{
		ID:           rowID,
		RunID:        runID,
		SourceNodeID: "src",
		Index:        seq,
		ContentHash:  "hash-" + tokenID,
	})
	if err != nil {
		t.Fatalf("WriteRow() failed: %v", err)
	}
	err = s.WriteToken(ctx, Token{
		ID:         tokenID,
		RunID:      runID,
		RowID:      rowID,
		CreatedSeq: seq,
	}, parents)
	if err != nil {
		t.Fatalf("WriteToken() failed: %v", err)
	}
}
