package daemon

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

// Watcher observes a local drop directory. Files placed there are uploaded
// to the raw prefix of the data bucket and a pipeline run is triggered,
// debounced so a burst of drops becomes one run.
type Watcher struct {
	dir       string
	bucket    string
	rawPrefix string
	store     storage.BlobStore
	debouncer *Debouncer
	onBatch   func(count int)
}

// NewWatcher creates a watcher over dir. onBatch fires once per debounced
// burst after the dropped files have been ingested.
func NewWatcher(dir string, store storage.BlobStore, bucket, rawPrefix string, debounce time.Duration, onBatch func(count int)) *Watcher {
	w := &Watcher{
		dir:       dir,
		bucket:    bucket,
		rawPrefix: rawPrefix,
		store:     store,
		onBatch:   onBatch,
	}
	w.debouncer = NewDebouncer(debounce, 0, func(count int, cause string) {
		slog.Debug("Drop burst settled", slog.Int("events", count), slog.String("cause", cause))
		w.ingestAndNotify(context.Background())
	})
	return w
}

// Run watches until ctx is done. Files already present at startup are
// ingested first so a daemon restart loses nothing.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return dwerrors.Wrap(err, dwerrors.CategoryDaemon, dwerrors.SeverityFatal, "failed to create watch directory")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return dwerrors.Wrap(err, dwerrors.CategoryDaemon, dwerrors.SeverityFatal, "failed to create file watcher")
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return dwerrors.Wrap(err, dwerrors.CategoryDaemon, dwerrors.SeverityFatal, "failed to watch drop directory").
			WithContext("dir", w.dir)
	}

	go w.debouncer.Run(ctx)
	w.ingestAndNotify(ctx)

	slog.Info("Watching drop directory", slog.String("dir", w.dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Rename) {
				if !isHidden(event.Name) {
					w.debouncer.Trigger()
				}
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("File watcher error", logfields.Error(err))
		}
	}
}

// ingestAndNotify uploads every regular file in the drop directory and fires
// the batch callback when anything was ingested.
func (w *Watcher) ingestAndNotify(ctx context.Context) {
	count, err := w.ingest(ctx)
	if err != nil {
		slog.Error("Drop directory ingestion failed", logfields.Error(err))
		return
	}
	if count > 0 && w.onBatch != nil {
		w.onBatch(count)
	}
}

// ingest moves dropped files into the data bucket. A file is removed locally
// only after its upload succeeded.
func (w *Watcher) ingest(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		local := filepath.Join(w.dir, entry.Name())
		data, err := os.ReadFile(local)
		if err != nil {
			slog.Warn("Skipping unreadable drop", slog.String("file", local), logfields.Error(err))
			continue
		}

		key := path.Join(w.rawPrefix, entry.Name())
		if err := w.store.Put(ctx, w.bucket, key, data); err != nil {
			return count, dwerrors.StorageError("put", key, err)
		}
		if err := os.Remove(local); err != nil {
			slog.Warn("Failed to remove ingested drop", slog.String("file", local), logfields.Error(err))
		}

		count++
		slog.Info("Ingested dropped file",
			logfields.Bucket(w.bucket),
			logfields.Key(key),
			slog.Int("bytes", len(data)))
	}
	return count, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(filepath.Base(name), ".")
}
