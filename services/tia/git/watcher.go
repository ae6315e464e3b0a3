// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package git

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// HeadWatcher reports writes to HEAD and branch refs.
//
// # Description
//
// A build that runs while HEAD moves (checkout from another terminal)
// would attach reports to a commit other than the one its tests ran on.
// The server uses this watcher to drop per-build state computed against
// the old HEAD.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type HeadWatcher struct {
	gitDir   string
	watcher  *fsnotify.Watcher
	callback func(path string)
	logger   *slog.Logger
}

// NewHeadWatcher creates a watcher for the given .git directory.
//
// # Inputs
//
//   - gitDir: Absolute .git directory (Repo.GitDir).
//   - callback: Invoked with the changed path on every write. Must not be nil.
//   - logger: Logger for watcher errors. May be nil.
//
// # Outputs
//
//   - *HeadWatcher: Ready-to-start watcher.
//   - error: Non-nil if the fsnotify watcher cannot be created.
func NewHeadWatcher(gitDir string, callback func(path string), logger *slog.Logger) (*HeadWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadWatcher{
		gitDir:   gitDir,
		watcher:  watcher,
		callback: callback,
		logger:   logger,
	}, nil
}

// Start watches HEAD, refs/heads and packed-refs until ctx is cancelled or
// Stop is called. Run it in a goroutine.
func (w *HeadWatcher) Start(ctx context.Context) {
	headPath := filepath.Join(w.gitDir, "HEAD")
	if err := w.watcher.Add(headPath); err != nil {
		w.logger.Warn("Failed to watch HEAD", "path", headPath, "error", err)
	}
	// git replaces HEAD via rename from HEAD.lock, which drops a file watch
	// on some platforms; watching the directory catches the rename.
	if err := w.watcher.Add(w.gitDir); err != nil {
		w.logger.Debug("Failed to watch git dir", "path", w.gitDir, "error", err)
	}

	refsPath := filepath.Join(w.gitDir, "refs", "heads")
	if _, err := os.Stat(refsPath); err == nil {
		if err := w.watcher.Add(refsPath); err != nil {
			w.logger.Debug("Failed to watch refs/heads", "path", refsPath, "error", err)
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Git HEAD watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// handleEvent forwards writes and creates of HEAD or branch refs.
func (w *HeadWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if strings.HasSuffix(event.Name, ".lock") {
		return
	}
	if filepath.Dir(event.Name) == w.gitDir && filepath.Base(event.Name) != "HEAD" {
		return
	}
	w.callback(event.Name)
}

// Stop releases the watcher. Safe to call multiple times.
func (w *HeadWatcher) Stop() error {
	return w.watcher.Close()
}
