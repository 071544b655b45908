// Copyright 2026 Forgeline Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package library serves the workflow documents found under a directory
// tree. Files are selected by glob patterns, parsed once, and kept in
// memory; an optional watcher reloads the set when files change.
package library

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/forgeline/stepflow/internal/log"
	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
	"github.com/forgeline/stepflow/pkg/workflow"
)

// reloadDebounce coalesces bursts of filesystem events into one reload.
const reloadDebounce = 250 * time.Millisecond

// Entry is one workflow document in the library.
type Entry struct {
	// Name is the document's name, falling back to the file stem for
	// unnamed documents. Names are unique within a library; on collision
	// the lexicographically first path wins.
	Name string `json:"name"`

	// Path is the file's path relative to the library root.
	Path string `json:"path"`

	Document *workflow.Document `json:"-"`
}

// Config configures a Library.
type Config struct {
	// Dir is the root directory. Required.
	Dir string

	// Include selects workflow files, relative to Dir. Defaults to YAML
	// and JSON extensions anywhere under the root.
	Include []string

	// Exclude removes matches from Include.
	Exclude []string

	Logger *slog.Logger
}

// Library is an in-memory view of the workflow documents under a directory.
// All methods are safe for concurrent use.
type Library struct {
	dir     string
	include []string
	exclude []string
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	onSwap  func()

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New builds a library over cfg.Dir and performs the initial load.
func New(cfg Config) (*Library, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("library requires a directory")
	}
	if len(cfg.Include) == 0 {
		cfg.Include = []string{"**/*.yaml", "**/*.yml", "**/*.json"}
	}
	for _, pattern := range append(append([]string{}, cfg.Include...), cfg.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid glob pattern %q", pattern)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Library{
		dir:     cfg.Dir,
		include: cfg.Include,
		exclude: cfg.Exclude,
		logger:  log.WithComponent(logger, "library"),
		entries: map[string]Entry{},
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload rescans the directory and swaps the in-memory set atomically.
// Files that fail to parse are skipped with a warning so one broken
// document does not take the rest of the library down.
func (l *Library) Reload() error {
	paths, err := l.matchingFiles()
	if err != nil {
		return err
	}
	sort.Strings(paths)

	entries := make(map[string]Entry, len(paths))
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(l.dir, rel))
		if err != nil {
			l.logger.Warn("skipping unreadable workflow", slog.String("path", rel), log.Error(err))
			continue
		}
		doc, err := workflow.ParseDocument(data)
		if err != nil {
			l.logger.Warn("skipping unparseable workflow", slog.String("path", rel), log.Error(err))
			continue
		}

		name := doc.Name
		if name == "" {
			name = fileStem(rel)
		}
		if existing, ok := entries[name]; ok {
			l.logger.Warn("duplicate workflow name",
				slog.String("name", name),
				slog.String("kept", existing.Path),
				slog.String("skipped", rel))
			continue
		}
		entries[name] = Entry{Name: name, Path: rel, Document: doc}
	}

	l.mu.Lock()
	l.entries = entries
	onSwap := l.onSwap
	l.mu.Unlock()
	l.logger.Debug("library loaded", slog.Int("workflows", len(entries)))
	if onSwap != nil {
		onSwap()
	}
	return nil
}

// OnReload registers fn to run after every successful Reload, watch-driven
// reloads included. One callback; later registrations replace earlier ones.
func (l *Library) OnReload(fn func()) {
	l.mu.Lock()
	l.onSwap = fn
	l.mu.Unlock()
}

// matchingFiles walks the tree and returns relative paths selected by the
// include globs and not removed by the exclude globs.
func (l *Library) matchingFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory vanishing mid-walk is not fatal.
			l.logger.Warn("walk error", slog.String("path", path), log.Error(err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if l.matches(rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", l.dir, err)
	}
	return paths, nil
}

func (l *Library) matches(rel string) bool {
	included := false
	for _, pattern := range l.include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pattern := range l.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	return true
}

// Get returns the named workflow document.
func (l *Library) Get(name string) (*workflow.Document, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[name]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "workflow", ID: name}
	}
	return entry.Document, nil
}

// List returns all entries sorted by name.
func (l *Library) List() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports how many workflows are loaded.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Watch reloads the library when files under the root change. fsnotify
// does not recurse, so every subdirectory is registered, including ones
// created while watching. Stop with Close.
func (l *Library) Watch() error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher != nil {
		return fmt.Errorf("library is already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := addRecursive(watcher, l.dir); err != nil {
		watcher.Close()
		return err
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop(watcher, l.done)
	l.logger.Info("watching library", slog.String("dir", l.dir))
	return nil
}

func (l *Library) watchLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var pending *time.Timer
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addRecursive(watcher, event.Name); err != nil {
						l.logger.Warn("watching new directory failed", log.Error(err))
					}
				}
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() {
				if err := l.Reload(); err != nil {
					l.logger.Error("reload failed", log.Error(err))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("watcher error", log.Error(err))
		}
	}
}

// Close stops the watcher, if any.
func (l *Library) Close() error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	l.watcher = nil
	l.done = nil
	return err
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("watching %s: %w", path, err)
			}
		}
		return nil
	})
}

func fileStem(rel string) string {
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
