package plugins

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/tracerow/tracerow/internal/canon"
	"github.com/tracerow/tracerow/internal/engine"
)

// JSONLSource reads one JSON object per line from a file. Blank lines
// are skipped but still advance the position, so a position always
// names a physical line and Seek can reproduce it exactly.
type JSONLSource struct {
	path string
	file *os.File
	sc   *bufio.Scanner
	pos  int64
}

// NewJSONLSource opens a JSON-lines file for reading.
func NewJSONLSource(path string) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	s := &JSONLSource{path: path, file: f}
	s.sc = bufio.NewScanner(f)
	s.sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return s, nil
}

// Next implements engine.Source.
func (s *JSONLSource) Next(ctx context.Context) (canon.Object, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return nil, false, fmt.Errorf("read %s: %w", s.path, err)
			}
			return nil, false, nil
		}
		line := s.sc.Bytes()
		s.pos++

		if len(trimJSONSpace(line)) == 0 {
			continue
		}
		val, err := canon.UnmarshalValue(line)
		if err != nil {
			return nil, false, fmt.Errorf("%s line %d: %w", s.path, s.pos, err)
		}
		obj, ok := val.(canon.Object)
		if !ok {
			return nil, false, fmt.Errorf("%s line %d: expected a JSON object, got %T", s.path, s.pos, val)
		}
		return obj, true, nil
	}
}

// Position implements engine.Source. The position counts physical
// lines consumed, blank ones included.
func (s *JSONLSource) Position() int64 { return s.pos }

// Seek implements engine.Source by reopening the file and discarding
// pos lines.
func (s *JSONLSource) Seek(pos int64) error {
	if pos < 0 {
		return fmt.Errorf("seek position out of range: %d", pos)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("reopen source file: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for i := int64(0); i < pos; i++ {
		if !sc.Scan() {
			f.Close()
			if err := sc.Err(); err != nil {
				return fmt.Errorf("seek %s: %w", s.path, err)
			}
			return fmt.Errorf("seek past end of %s: %d", s.path, pos)
		}
	}
	s.file.Close()
	s.file = f
	s.sc = sc
	s.pos = pos
	return nil
}

// Close releases the underlying file.
func (s *JSONLSource) Close() error {
	return s.file.Close()
}

func trimJSONSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

var _ engine.Source = (*JSONLSource)(nil)
