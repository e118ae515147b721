package store

import (
	"github.com/google/renameio/v2"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
)

// Writer is a pending artifact. Nothing is visible in the store until
// Commit succeeds; Discard, or a failed Commit, removes the temp file.
type Writer struct {
	id    string
	pf    *renameio.PendingFile
	store *Store
	done  bool
}

// ID is the id the artifact will be published under.
func (w *Writer) ID() string {
	return w.id
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	return w.pf.Write(p)
}

// Commit syncs and atomically publishes the artifact.
func (w *Writer) Commit() error {
	if w.done {
		return core.ErrInternal(core.CodeStoreWriteFailed, "artifact already finished")
	}
	w.done = true
	if err := w.pf.CloseAtomicallyReplace(); err != nil {
		_ = w.pf.Cleanup()
		return core.ErrInternal(core.CodeStoreWriteFailed, "publishing artifact").WithCause(err)
	}
	w.store.logger.Info("artifact published", "artifact_id", w.id)
	w.store.enforceRetention()
	return nil
}

// Discard drops the pending artifact. It is a no-op after Commit.
func (w *Writer) Discard() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.pf.Cleanup()
}
