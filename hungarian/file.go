// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hungarian

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// patternFile is the on-disk extension format.
//
//	areas:
//	  pince: [pince, wine cellar]
//	domains:
//	  valve:
//	    patterns: [szelep, valve]
type patternFile struct {
	Areas   map[string][]string      `yaml:"areas"`
	Domains map[string]DomainPattern `yaml:"domains"`
}

// LoadPatternFile reads the extension file into the tables, replacing any
// previously loaded file overlay.
func (t *Tables) LoadPatternFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pattern file: %w", err)
	}

	var parsed patternFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse pattern file %s: %w", path, err)
	}

	t.mu.Lock()
	t.fileAreas = parsed.Areas
	t.fileDomains = parsed.Domains
	t.mu.Unlock()

	slog.Info("Pattern file loaded",
		"path", path, "areas", len(parsed.Areas), "domains", len(parsed.Domains))
	return nil
}

// WatchPatternFile reloads the extension file whenever it changes.
//
// # Description
//
// Watches the file's directory (editors replace files on save, which drops
// a watch on the file itself) and reloads on create/write events for the
// configured path. Runs until done is closed. A broken reload keeps the
// previous overlay.
//
// # Inputs
//
//   - path: Pattern file to watch.
//   - done: Close to stop watching.
//
// # Outputs
//
//   - error: Non-nil if the watcher could not be started.
func (t *Tables) WatchPatternFile(path string, done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create pattern file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch pattern file directory: %w", err)
	}

	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				slog.Warn("Failed to close pattern file watcher", "error", err)
			}
		}()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := t.LoadPatternFile(path); err != nil {
					slog.Warn("Pattern file reload failed, keeping previous tables",
						"path", path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Pattern file watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()
	return nil
}
