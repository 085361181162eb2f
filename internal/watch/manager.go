// Package watch turns filesystem changes below the project root into
// SyncEvents for the files matched by the configured watch items.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mschirtzinger/burnsync/internal/console"
	"github.com/Mschirtzinger/burnsync/internal/glob"
	"github.com/Mschirtzinger/burnsync/internal/location"
	"github.com/fsnotify/fsnotify"
)

// Config configures a Manager.
type Config struct {
	// Root is the project root every pattern is relative to.
	Root string
	// Items are the watch items; the first matching item wins.
	Items []location.WatchItem
	// IgnoreInitial suppresses the add events of the startup scan.
	IgnoreInitial bool
	// Logger for watcher activity (default: discard).
	Logger *console.Logger
	// Now returns the current time (default time.Now).
	Now func() time.Time
}

// Manager owns the fsnotify watcher, the initial-scan flag and the enable
// gate, and delivers SyncEvents to its subscribers.
//
// While disabled, no events are emitted. Re-enabling records the time, and
// later add/change events for files whose modification time is not newer
// are dropped, so writes made while disabled are not echoed back.
type Manager struct {
	root          string
	items         []location.WatchItem
	patterns      []string
	ignoreInitial bool
	logger        *console.Logger
	now           func() time.Time

	mu            sync.Mutex
	initial       bool
	enabled       bool
	enabledAt     int64
	lastTimestamp int64
	subscribers   []func(SyncEvent)

	watcher *fsnotify.Watcher
	known   map[string]struct{}
	dirs    map[string]struct{}
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
	stopped bool
}

// New creates a Manager. Start must be called before filesystem events are
// observed; HandleEvent and FullReload work without it.
func New(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = console.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	patterns := make([]string, len(cfg.Items))
	for i, item := range cfg.Items {
		patterns[i] = item.Pattern
	}
	if err := glob.Validate(patterns); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", cfg.Root, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Manager{
		root:          root,
		items:         append([]location.WatchItem(nil), cfg.Items...),
		patterns:      patterns,
		ignoreInitial: cfg.IgnoreInitial,
		logger:        cfg.Logger,
		now:           cfg.Now,
		initial:       true,
		enabled:       true,
		watcher:       watcher,
		known:         make(map[string]struct{}),
		dirs:          make(map[string]struct{}),
		errors:        make(chan error, 10),
		done:          make(chan struct{}),
	}, nil
}

// Subscribe registers fn to receive every emitted SyncEvent. Subscribers are
// called in registration order from the goroutine that produced the event
// and must not block.
func (m *Manager) Subscribe(fn func(SyncEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Patterns returns the pattern of every watch item.
func (m *Manager) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Root returns the absolute project root.
func (m *Manager) Root() string {
	return m.root
}

// Initial reports whether the startup scan is still in progress.
func (m *Manager) Initial() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initial
}

// Enabled reports whether events are currently emitted.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetEnabled opens or closes the emission gate. Opening it records the
// current time as the staleness threshold.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	if enabled {
		m.enabledAt = m.now().UnixMilli()
	}
}

// HandleEvent processes one change of file, a root-relative path. It drops
// the event while disabled or when the file was last modified before the
// gate reopened, and returns ErrUnmatchedPath when no watch item matches.
func (m *Manager) HandleEvent(file string, kind EventKind) error {
	file = filepath.ToSlash(file)

	m.mu.Lock()
	enabled, enabledAt := m.enabled, m.enabledAt
	m.mu.Unlock()

	if !enabled {
		return nil
	}

	if kind != EventUnlink {
		info, err := os.Stat(m.abs(file))
		if err != nil {
			// Gone already; its unlink event follows.
			return nil
		}
		if info.ModTime().UnixMilli() <= enabledAt {
			return nil
		}
	}

	item, ok := m.find(file)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnmatchedPath, file)
	}

	m.mu.Lock()
	ts := m.now().UnixMilli()
	if ts <= m.lastTimestamp {
		ts = m.lastTimestamp + 1
	}
	m.lastTimestamp = ts
	event := SyncEvent{
		WatchItem: item,
		File:      file,
		Event:     kind,
		Initial:   m.initial,
		Timestamp: ts,
	}
	subscribers := append([]func(SyncEvent){}, m.subscribers...)
	m.mu.Unlock()

	for _, fn := range subscribers {
		fn(event)
	}
	return nil
}

// FullReload emits a change event for every file matching a watch pattern,
// in lexical order, bypassing the staleness check.
func (m *Manager) FullReload(ctx context.Context) error {
	m.mu.Lock()
	m.enabledAt = 0
	m.mu.Unlock()

	files, err := glob.Expand(m.root, m.patterns)
	if err != nil {
		return err
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.HandleEvent(file, EventChange); err != nil {
			m.logger.Error("watch", err.Error())
		}
	}
	return nil
}

// Start registers watches below every pattern's base directory, runs the
// startup scan and begins processing filesystem events.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("watcher already stopped")
	}
	m.running = true
	m.mu.Unlock()

	if err := m.addTree(".", !m.ignoreInitial); err != nil {
		return err
	}

	m.mu.Lock()
	m.initial = false
	m.mu.Unlock()
	m.logger.Debug("watch", fmt.Sprintf("watching %d directories", len(m.dirs)))

	m.wg.Add(1)
	go m.processEvents(ctx)

	return nil
}

// Stop closes the watcher and waits for event processing to finish. The
// Errors channel is closed afterwards.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	wasRunning := m.running
	m.running = false
	m.mu.Unlock()

	close(m.done)

	if err := m.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	if wasRunning {
		m.wg.Wait()
	}
	close(m.errors)

	return nil
}

// Errors returns the channel carrying watcher errors. It is closed by Stop.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// IsRunning returns true if the watcher is processing filesystem events.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) processEvents(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return

		case <-ctx.Done():
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleRaw(event)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.report(err)
		}
	}
}

// handleRaw normalizes an fsnotify event: creation of an unknown file is an
// add, creation or write of a known file is a change, removal or rename of a
// known file is an unlink. Chmod is ignored.
func (m *Manager) handleRaw(event fsnotify.Event) {
	rel, ok := m.rel(event.Name)
	if !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if event.Has(fsnotify.Create) {
				if err := m.addTree(rel, true); err != nil {
					m.report(err)
				}
			}
			return
		}
		m.touch(rel)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		m.remove(rel)
	}
}

func (m *Manager) touch(rel string) {
	if !glob.MatchAny(rel, m.patterns) {
		return
	}
	kind := EventChange
	if _, known := m.known[rel]; !known {
		m.known[rel] = struct{}{}
		kind = EventAdd
	}
	m.dispatch(rel, kind)
}

func (m *Manager) remove(rel string) {
	if _, known := m.known[rel]; known {
		delete(m.known, rel)
		m.dispatch(rel, EventUnlink)
		return
	}

	if _, isDir := m.dirs[rel]; !isDir {
		return
	}
	prefix := rel + "/"
	for dir := range m.dirs {
		if dir == rel || strings.HasPrefix(dir, prefix) {
			delete(m.dirs, dir)
			_ = m.watcher.Remove(m.abs(dir))
		}
	}
	var gone []string
	for file := range m.known {
		if strings.HasPrefix(file, prefix) {
			gone = append(gone, file)
		}
	}
	sort.Strings(gone)
	for _, file := range gone {
		delete(m.known, file)
		m.dispatch(file, EventUnlink)
	}
}

func (m *Manager) dispatch(rel string, kind EventKind) {
	err := m.HandleEvent(rel, kind)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnmatchedPath):
		m.logger.Debug("watch", err.Error())
	default:
		m.report(err)
	}
}

// addTree watches dir and every relevant directory below it. Files found on
// the way become known; with emit set, matching files are reported as adds.
func (m *Manager) addTree(dir string, emit bool) error {
	return filepath.WalkDir(m.abs(dir), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, ok := m.rel(p)
		if !ok {
			return nil
		}

		if d.IsDir() {
			if !m.relevantDir(rel) {
				return filepath.SkipDir
			}
			if _, seen := m.dirs[rel]; seen {
				return nil
			}
			if err := m.watcher.Add(p); err != nil {
				return fmt.Errorf("failed to watch directory %s: %w", p, err)
			}
			m.dirs[rel] = struct{}{}
			return nil
		}

		if !d.Type().IsRegular() || !glob.MatchAny(rel, m.patterns) {
			return nil
		}
		if _, known := m.known[rel]; known {
			return nil
		}
		m.known[rel] = struct{}{}
		if emit {
			m.dispatch(rel, EventAdd)
		}
		return nil
	})
}

var skippedDirs = map[string]bool{".git": true, "node_modules": true}

// relevantDir reports whether dir lies inside a pattern's base directory or
// on the way to one.
func (m *Manager) relevantDir(dir string) bool {
	if dir == "." {
		return true
	}
	for _, p := range m.patterns {
		base := glob.Base(p)
		if base == dir || strings.HasPrefix(base, dir+"/") {
			return true
		}
		if base == "." || strings.HasPrefix(dir, base+"/") {
			if skippedDirs[filepath.Base(dir)] && !strings.Contains(base, filepath.Base(dir)) {
				continue
			}
			return true
		}
	}
	return false
}

func (m *Manager) find(file string) (location.WatchItem, bool) {
	for _, item := range m.items {
		if glob.Match(file, item.Pattern) {
			return item, true
		}
	}
	return location.WatchItem{}, false
}

func (m *Manager) rel(p string) (string, bool) {
	rel, err := filepath.Rel(m.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (m *Manager) abs(rel string) string {
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

func (m *Manager) report(err error) {
	select {
	case m.errors <- err:
	case <-m.done:
	default:
		m.logger.Error("watch", err.Error())
	}
}
