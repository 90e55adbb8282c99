package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tracerow/tracerow/internal/canon"
)

func writeJSONL(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestJSONLSource_ReadsObjectsInOrder(t *testing.T) {
	path := writeJSONL(t, `{"value": 10}
{"value": 20}

{"value": 30}
`)
	src, err := NewJSONLSource(path)
	if err != nil {
		t.Fatalf("NewJSONLSource() failed: %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	for _, want := range []int64{10, 20, 30} {
		row, ok, err := src.Next(ctx)
		if err != nil || !ok {
			t.Fatalf("Next() = %v, %v", ok, err)
		}
		if row["value"] != canon.Int(want) {
			t.Errorf("row = %v, want value %d", row, want)
		}
	}
	if _, ok, _ := src.Next(ctx); ok {
		t.Error("Next() returned a row past the end")
	}
}

func TestJSONLSource_SeekReproducesPosition(t *testing.T) {
	path := writeJSONL(t, `{"n": 1}
{"n": 2}
{"n": 3}
`)
	src, err := NewJSONLSource(path)
	if err != nil {
		t.Fatalf("NewJSONLSource() failed: %v", err)
	}
	defer src.Close()

	ctx := context.Background()
	src.Next(ctx)
	src.Next(ctx)
	pos := src.Position()

	if err := src.Seek(pos); err != nil {
		t.Fatalf("Seek(%d) failed: %v", pos, err)
	}
	row, ok, err := src.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("Next() after seek = %v, %v", ok, err)
	}
	if row["n"] != canon.Int(3) {
		t.Errorf("row after seek = %v, want n=3", row)
	}

	// Rewind to the beginning replays everything.
	if err := src.Seek(0); err != nil {
		t.Fatalf("Seek(0) failed: %v", err)
	}
	row, _, _ = src.Next(ctx)
	if row["n"] != canon.Int(1) {
		t.Errorf("row after rewind = %v, want n=1", row)
	}
}

func TestJSONLSource_RejectsNonObjectLine(t *testing.T) {
	path := writeJSONL(t, `[1, 2, 3]
`)
	src, err := NewJSONLSource(path)
	if err != nil {
		t.Fatalf("NewJSONLSource() failed: %v", err)
	}
	defer src.Close()

	if _, _, err := src.Next(context.Background()); err == nil {
		t.Error("Next() accepted a non-object line")
	}
}

func TestJSONLSource_SeekPastEnd(t *testing.T) {
	path := writeJSONL(t, `{"n": 1}
`)
	src, err := NewJSONLSource(path)
	if err != nil {
		t.Fatalf("NewJSONLSource() failed: %v", err)
	}
	defer src.Close()

	if err := src.Seek(10); err == nil {
		t.Error("Seek(10) past end succeeded")
	}
}
