// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package settings

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/RaptorSetup/pkg/logging"
)

// FileWatcher reloads the settings file into a Controller when it changes.
//
// # Description
//
// Save replaces the file with a rename, so the parent directory is watched
// and events are filtered by file name. Every successful reload is committed
// through Controller.Update, which notifies subscribers the same way an
// interactive edit does. A file that fails to parse is logged and ignored;
// the controller keeps its previous settings.
//
// # Thread Safety
//
// Start should only be called once.
type FileWatcher struct {
	path       string
	controller *Controller
	watcher    *fsnotify.Watcher
	logger     *logging.Logger
}

// NewFileWatcher creates a watcher for path feeding controller.
func NewFileWatcher(path string, controller *Controller, logger *logging.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &FileWatcher{
		path:       filepath.Clean(path),
		controller: controller,
		watcher:    w,
		logger:     logger,
	}, nil
}

// Start watches until ctx is cancelled or Stop is called. Run it in a
// goroutine.
func (w *FileWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Debug("watching settings file", "path", w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("settings watcher error", "error", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *FileWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	w.reload()
}

func (w *FileWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		// Rename events fire for the old name too; the following Create
		// delivers the new content.
		w.logger.Debug("settings file not readable", "path", w.path, "error", err)
		return
	}
	next, err := Unmarshal(data)
	if err != nil {
		w.logger.Warn("ignoring invalid settings file", "path", w.path, "error", err)
		return
	}
	w.controller.Update("settings file changed", func(s *Store) { *s = next })
}

// Stop releases the underlying watcher. Safe to call more than once.
func (w *FileWatcher) Stop() error {
	return w.watcher.Close()
}
