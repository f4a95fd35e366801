package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"punchd/internal/classifier"
)

// Spool is an append-only JSONL file of events that could not be stored.
// It uses the same line format ReadJSONL accepts.
type Spool struct {
	mu   sync.Mutex
	path string
}

func NewSpool(path string) *Spool {
	return &Spool{path: path}
}

func (s *Spool) Path() string { return s.path }

func (s *Spool) Append(evt classifier.Event) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadJSONL calls fn for every event line in r. Blank lines and lines
// starting with # are ignored; a line that is not an event stops the read
// with its line number.
func ReadJSONL(r io.Reader, fn func(classifier.Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var evt classifier.Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if err := fn(evt); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return sc.Err()
}
