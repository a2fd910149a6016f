package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// JSONLedger persists the ledger as a single JSON file mapping raw path to
// entry. Writes go through a temp file and rename so a crash never leaves a
// half-written ledger behind.
type JSONLedger struct {
	path string

	mu         sync.RWMutex
	entries    map[string]*Entry // raw path -> entry
	byChecksum map[string]string // checksum -> raw path
}

// NewJSONLedger creates a ledger backed by the given file. The file is
// created on Prepare.
func NewJSONLedger(path string) *JSONLedger {
	return &JSONLedger{
		path:       path,
		entries:    make(map[string]*Entry),
		byChecksum: make(map[string]string),
	}
}

// Prepare loads the existing file or writes an empty one.
func (l *JSONLedger) Prepare(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return l.saveUnsafe()
		}
		return fmt.Errorf("failed to read ledger file: %w", err)
	}

	entries := make(map[string]*Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to unmarshal ledger file %s: %w", l.path, err)
	}

	l.entries = entries
	l.byChecksum = make(map[string]string, len(entries))
	for rawPath, e := range entries {
		l.byChecksum[e.Checksum] = rawPath
	}
	return nil
}

func (l *JSONLedger) Lookup(ctx context.Context, checksum string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rawPath, ok := l.byChecksum[checksum]
	if !ok {
		return nil, nil
	}
	e := *l.entries[rawPath]
	return &e, nil
}

func (l *JSONLedger) MarkProcessed(ctx context.Context, e Entry) error {
	if e.Checksum == "" || e.RawPath == "" {
		return fmt.Errorf("ledger entry requires checksum and raw path")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := e
	if prev, ok := l.byChecksum[e.Checksum]; ok {
		stored.CreatedAt = l.entries[prev].CreatedAt
		stored.PredictionsPath = l.entries[prev].PredictionsPath
		if prev != e.RawPath {
			delete(l.entries, prev)
		}
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	l.entries[e.RawPath] = &stored
	l.byChecksum[e.Checksum] = e.RawPath
	return l.saveUnsafe()
}

func (l *JSONLedger) MarkPredicted(ctx context.Context, checksum, predictionsPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rawPath, ok := l.byChecksum[checksum]
	if !ok {
		return fmt.Errorf("no ledger entry for checksum %s", checksum)
	}
	l.entries[rawPath].PredictionsPath = predictionsPath
	return l.saveUnsafe()
}

func (l *JSONLedger) Unpredicted(ctx context.Context) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.ProcessedPath != "" && e.PredictionsPath == "" {
			out = append(out, *e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (l *JSONLedger) Snapshot(ctx context.Context) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sortEntries(out)
	return out, nil
}

func (l *JSONLedger) Close() error { return nil }

// saveUnsafe writes the ledger to disk; callers hold the write lock.
func (l *JSONLedger) saveUnsafe() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	tempPath := l.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary ledger file: %w", err)
	}
	if err := os.Rename(tempPath, l.path); err != nil {
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RawPath < entries[j].RawPath
	})
}
