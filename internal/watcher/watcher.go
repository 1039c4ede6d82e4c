// Package watcher turns file system changes into bus events: dev-mode
// directories raise devChange, spec files raise specsChange and the config
// file raises configChange.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Sink receives debounced change batches. *bus.Emitter implements it.
type Sink interface {
	DevChange(paths ...string)
	SpecsChange(paths ...string)
	ConfigChange(path string)
}

// Config holds watcher configuration options.
type Config struct {
	DevDirs      []string
	SpecDirs     []string
	SpecPatterns []string // matched against the base name (default: every file)
	ConfigFile   string   // empty disables config watching
	Debounce     time.Duration
	Sink         Sink
	Logger       *slog.Logger
}

// Watcher monitors the configured paths and reports batches of changes to
// its Sink once they have been quiet for the debounce interval.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	cfg       Config
	logger    *slog.Logger

	devDirs  []string
	specDirs []string
	config   string

	pendingDev   map[string]struct{}
	pendingSpecs map[string]struct{}
	pendingCfg   bool
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

// New creates a watcher and registers every configured path.
func New(cfg Config) (*Watcher, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("watcher: sink is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher:    fsw,
		cfg:          cfg,
		logger:       cfg.Logger,
		pendingDev:   make(map[string]struct{}),
		pendingSpecs: make(map[string]struct{}),
	}

	for _, dir := range cfg.DevDirs {
		abs, err := w.addTree(dir)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		w.devDirs = append(w.devDirs, abs)
	}
	for _, dir := range cfg.SpecDirs {
		abs, err := w.addTree(dir)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		w.specDirs = append(w.specDirs, abs)
	}
	if cfg.ConfigFile != "" {
		abs, err := filepath.Abs(cfg.ConfigFile)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		// Editors replace files by rename, so watch the directory.
		if err := fsw.Add(filepath.Dir(abs)); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", filepath.Dir(abs), err)
		}
		w.config = abs
	}

	return w, nil
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != abs && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return fmt.Errorf("watching directory %s: %w", path, err)
		}
		return nil
	})
	return abs, err
}

// Watched returns the directories currently registered with fsnotify.
func (w *Watcher) Watched() []string {
	list := w.fsWatcher.WatchList()
	slices.Sort(list)
	return list
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsWatcher.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	w.logger.Info("file watcher started",
		"dev_dirs", len(w.devDirs),
		"spec_dirs", len(w.specDirs),
		"config", w.config,
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if !w.record(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
			} else {
				timer.Reset(w.cfg.Debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.flush()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "err", err)
		}
	}
}

// record classifies event and adds it to the pending batches. It reports
// whether anything was added.
func (w *Watcher) record(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	path := event.Name

	if path == w.config {
		w.pendingCfg = true
		return true
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(path); err == nil && info.IsDir() && w.under(path, w.devDirs, w.specDirs) {
			if _, err := w.addTree(path); err != nil {
				w.logger.Warn("cannot watch new directory", "path", path, "err", err)
			}
		}
	}

	added := false
	if w.under(path, w.devDirs) {
		w.pendingDev[path] = struct{}{}
		added = true
	}
	if w.under(path, w.specDirs) && w.isSpec(path) {
		w.pendingSpecs[path] = struct{}{}
		added = true
	}
	return added
}

func (w *Watcher) flush() {
	if w.pendingCfg {
		w.pendingCfg = false
		w.logger.Debug("config file changed", "path", w.config)
		w.cfg.Sink.ConfigChange(w.config)
	}
	if len(w.pendingDev) > 0 {
		paths := drain(w.pendingDev)
		w.logger.Debug("dev files changed", "count", len(paths))
		w.cfg.Sink.DevChange(paths...)
	}
	if len(w.pendingSpecs) > 0 {
		paths := drain(w.pendingSpecs)
		w.logger.Debug("spec files changed", "count", len(paths))
		w.cfg.Sink.SpecsChange(paths...)
	}
}

func (w *Watcher) isSpec(path string) bool {
	if len(w.cfg.SpecPatterns) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, p := range w.cfg.SpecPatterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) under(path string, roots ...[]string) bool {
	for _, dirs := range roots {
		for _, dir := range dirs {
			if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
				return true
			}
		}
	}
	return false
}

func drain(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
		delete(set, p)
	}
	slices.Sort(out)
	return out
}
