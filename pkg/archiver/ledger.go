package archiver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cadalytix/installer/pkg/types"
)

// Ledger is the JSON file recording per-month archival completion, the
// single source of idempotency truth for the pipeline.
type Ledger struct {
	Path string
}

// Load reads the ledger file, returning an empty set if it does not yet
// exist.
func (l *Ledger) Load() (map[string]types.ArchiveLedgerEntry, error) {
	raw, err := os.ReadFile(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]types.ArchiveLedgerEntry{}, nil
		}
		return nil, fmt.Errorf("archiver: read ledger: %w", err)
	}
	entries := make(map[string]types.ArchiveLedgerEntry)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("archiver: parse ledger: %w", err)
	}
	return entries, nil
}

// Save replaces the ledger file's contents with entries.
func (l *Ledger) Save(entries map[string]types.ArchiveLedgerEntry) error {
	if dir := filepath.Dir(l.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("archiver: create ledger directory: %w", err)
		}
	}
	body, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("archiver: marshal ledger: %w", err)
	}
	if err := os.WriteFile(l.Path, body, 0o644); err != nil {
		return fmt.Errorf("archiver: write ledger: %w", err)
	}
	return nil
}
