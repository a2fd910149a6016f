// Package ledger tracks which raw tiles have been processed and predicted.
// Items are keyed by the md5 checksum of the raw object, so re-uploads of
// identical content are skipped regardless of key.
package ledger

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// Entry is one ledger row. ProcessedPath and PredictionsPath are empty until
// the corresponding stage has handled the item.
type Entry struct {
	Checksum        string    `json:"checksum"`
	RawPath         string    `json:"raw_path"`
	ProcessedPath   string    `json:"processed_path,omitempty"`
	PredictionsPath string    `json:"predictions_path,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Item pairs a raw object key with its content checksum, the unit Reconcile
// operates on.
type Item struct {
	RawPath  string
	Checksum string
}

// Ledger is the idempotency store shared by the processing and inference
// stages.
type Ledger interface {
	// Prepare creates the backing table or file if missing.
	Prepare(ctx context.Context) error

	// Lookup returns the entry for a checksum, or nil when absent.
	Lookup(ctx context.Context, checksum string) (*Entry, error)

	// MarkProcessed upserts an entry after its processed artifact has been
	// written.
	MarkProcessed(ctx context.Context, e Entry) error

	// MarkPredicted records the predictions artifact for a checksum.
	MarkPredicted(ctx context.Context, checksum, predictionsPath string) error

	// Unpredicted returns entries that have a processed artifact but no
	// predictions yet.
	Unpredicted(ctx context.Context) ([]Entry, error)

	// Snapshot returns all entries ordered by raw path.
	Snapshot(ctx context.Context) ([]Entry, error)

	Close() error
}

// Reconcile returns the items not yet present in the ledger. When forced is
// set every item is returned, so all inputs are reprocessed.
func Reconcile(ctx context.Context, l Ledger, items []Item, forced bool) ([]Item, error) {
	if forced {
		out := make([]Item, len(items))
		copy(out, items)
		return out, nil
	}

	var fresh []Item
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := l.Lookup(ctx, it.Checksum)
		if err != nil {
			return nil, fmt.Errorf("ledger lookup for %s: %w", it.RawPath, err)
		}
		if e == nil {
			fresh = append(fresh, it)
		}
	}
	return fresh, nil
}

// Unobserved filters entries down to those whose predictions exist but have
// not been recorded in the observability store yet.
func Unobserved(entries []Entry, observed map[string]bool) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.PredictionsPath != "" && !observed[e.PredictionsPath] {
			out = append(out, e)
		}
	}
	return out
}

// ChecksumBytes returns the md5 hex digest of b.
func ChecksumBytes(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// ChecksumReader returns the md5 hex digest of everything readable from r.
func ChecksumReader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
