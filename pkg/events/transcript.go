package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Transcript records a run's events to a file, one JSON object per line.
// The smoke modes use it to produce deterministic, diffable run records;
// the final line is always "ExitCode=<n>".
type Transcript struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewTranscript opens (truncating) a transcript file at path.
func NewTranscript(path string) (*Transcript, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("events: create transcript %s: %w", path, err)
	}
	return &Transcript{f: f, w: bufio.NewWriter(f)}, nil
}

// Record appends one envelope as a JSON line.
func (t *Transcript) Record(env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var body []byte
	var err error
	switch {
	case env.Progress != nil:
		body, err = json.Marshal(env.Progress)
	case env.Terminal != nil:
		body, err = json.Marshal(env.Terminal)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("events: marshal transcript line: %w", err)
	}
	if _, err := t.w.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("events: write transcript line: %w", err)
	}
	return nil
}

// Line appends an arbitrary text line, for skip markers and annotations.
func (t *Transcript) Line(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.WriteString(s + "\n"); err != nil {
		return fmt.Errorf("events: write transcript line: %w", err)
	}
	return nil
}

// Close writes the final "ExitCode=<code>" line, flushes, and closes the file.
func (t *Transcript) Close(exitCode int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.w, "ExitCode=%d\n", exitCode); err != nil {
		return err
	}
	if err := t.w.Flush(); err != nil {
		return err
	}
	return t.f.Close()
}
