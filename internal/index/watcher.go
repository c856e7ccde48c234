package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/starford/eightd/internal/storage"
)

// EventCallback is called after a watcher-driven index change.
// kind is one of "created", "updated", "deleted".
type EventCallback func(kind string, caseNumber string)

const reconcileDelay = 200 * time.Millisecond

// Watch starts an fsnotify watcher on the case store root and processes case
// document events until ctx is cancelled. It calls cb (if non-nil) after
// each successful index mutation.
//
// Case directories created at runtime are added to the watch list. Removing
// or renaming a case directory triggers a reconciliation pass that removes
// stale index entries whose documents no longer exist on disk.
func Watch(ctx context.Context, db *DB, store storage.Provider, root string, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addCaseDirs(w, root); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", root))

	// reconcileTimer is used to debounce rename reconciliation.
	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(reconcileDelay)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(reconcileDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			reconcile(db, store, logger, cb)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			// A new case directory: watch it and index its document if the
			// directory arrived already populated.
			if filepath.Dir(absPath) == filepath.Clean(root) {
				if ev.Op&fsnotify.Create != 0 {
					if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
						if addErr := w.Add(absPath); addErr != nil {
							logger.Warn("watcher: add case dir failed",
								slog.String("path", absPath),
								slog.String("error", addErr.Error()))
							continue
						}
						logger.Debug("watcher: watching case dir", slog.String("path", absPath))
						indexFromDisk(db, store, filepath.Base(absPath), "created", logger, cb)
					}
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					scheduleReconcile()
				}
				continue
			}

			caseNumber, ok := caseFromPath(root, absPath)
			if !ok {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				kind := "updated"
				if ev.Op&fsnotify.Create != 0 {
					kind = "created"
				}
				indexFromDisk(db, store, caseNumber, kind, logger, cb)

			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				// Atomic replacement renames onto case.json, so a removal may
				// be followed by a Create for the same case; reconcile settles it.
				if delErr := db.DeleteCase(caseNumber); delErr != nil {
					logger.Warn("watcher: delete failed", slog.String("case", caseNumber), slog.String("error", delErr.Error()))
				} else {
					logger.Debug("watcher: deleted", slog.String("case", caseNumber))
					if cb != nil {
						cb("deleted", caseNumber)
					}
				}
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// caseFromPath returns the case number for <root>/<case>/case.json.
func caseFromPath(root, absPath string) (string, bool) {
	if filepath.Base(absPath) != storage.CaseFile {
		return "", false
	}
	rel, err := filepath.Rel(root, filepath.Dir(absPath))
	if err != nil || rel == "." || strings.ContainsRune(rel, filepath.Separator) || strings.HasPrefix(rel, ".") {
		return "", false
	}
	return rel, true
}

func indexFromDisk(db *DB, store storage.Provider, caseNumber, kind string, logger *slog.Logger, cb EventCallback) {
	data, err := store.ReadCase(caseNumber)
	if err != nil {
		logger.Debug("watcher: read skipped", slog.String("case", caseNumber), slog.String("error", err.Error()))
		return
	}
	if prev, _ := db.GetChecksum(caseNumber); prev != "" && kind == "created" {
		kind = "updated"
	}
	if err := IndexCase(db, caseNumber, data); err != nil {
		logger.Warn("watcher: index failed", slog.String("case", caseNumber), slog.String("error", err.Error()))
		return
	}
	logger.Debug("watcher: indexed", slog.String("case", caseNumber), slog.String("op", kind))
	if cb != nil {
		cb(kind, caseNumber)
	}
}

// reconcile does a lightweight sync using batch lookups:
// finds index entries without a corresponding document on disk and removes them,
// and finds on-disk documents that are not indexed (or changed) and indexes them.
func reconcile(db *DB, store storage.Provider, logger *slog.Logger, cb EventCallback) {
	checksums, err := db.AllChecksums()
	if err != nil {
		logger.Warn("reconcile: all checksums failed", slog.String("error", err.Error()))
		return
	}

	metas, err := store.List()
	if err != nil {
		logger.Warn("reconcile: list failed", slog.String("error", err.Error()))
		return
	}

	disk := make(map[string]string, len(metas))
	for _, m := range metas {
		disk[m.CaseNumber] = m.Checksum
	}

	for id := range checksums {
		if _, ok := disk[id]; !ok {
			if delErr := db.DeleteCase(id); delErr == nil {
				logger.Debug("reconcile: removed stale", slog.String("case", id))
				if cb != nil {
					cb("deleted", id)
				}
			}
		}
	}

	for id, cs := range disk {
		if checksums[id] == cs {
			continue
		}
		data, readErr := store.ReadCase(id)
		if readErr != nil {
			continue
		}
		if idxErr := IndexCase(db, id, data); idxErr == nil {
			logger.Debug("reconcile: indexed", slog.String("case", id))
			if cb != nil {
				cb("created", id)
			}
		}
	}
}

// addCaseDirs adds root and every case directory directly below it to the watcher.
func addCaseDirs(w *fsnotify.Watcher, root string) error {
	if err := w.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := w.Add(filepath.Join(root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
