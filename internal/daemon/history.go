package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const historyFile = "run_history.json"

// defaultHistoryCap bounds the persisted run history.
const defaultHistoryCap = 100

// HistoryStore persists finished jobs to a JSON file in the state directory
// so run history survives daemon restarts.
type HistoryStore struct {
	path string
	cap  int

	mu   sync.Mutex
	jobs []*Job
}

// NewHistoryStore creates a store under stateDir.
func NewHistoryStore(stateDir string) *HistoryStore {
	return &HistoryStore{
		path: filepath.Join(stateDir, historyFile),
		cap:  defaultHistoryCap,
	}
}

// Load reads the persisted history. A missing file is an empty history.
func (h *HistoryStore) Load() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(h.path)
	if os.IsNotExist(err) {
		h.jobs = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read run history: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("corrupt run history %s: %w", h.path, err)
	}
	h.jobs = jobs
	return nil
}

// Append records a finished job and persists the bounded history.
func (h *HistoryStore) Append(job *Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.jobs = append(h.jobs, job)
	if len(h.jobs) > h.cap {
		copy(h.jobs, h.jobs[len(h.jobs)-h.cap:])
		h.jobs = h.jobs[:h.cap]
	}
	return h.saveUnsafe()
}

// List returns the persisted jobs, oldest first.
func (h *HistoryStore) List() []*Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Job, len(h.jobs))
	copy(out, h.jobs)
	return out
}

// saveUnsafe writes atomically via temp file and rename. Caller holds the
// lock.
func (h *HistoryStore) saveUnsafe() error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(h.jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run history: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(h.path), ".run_history-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp history file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write run history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close run history: %w", err)
	}
	if err := os.Rename(tmp.Name(), h.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace run history: %w", err)
	}
	return nil
}
