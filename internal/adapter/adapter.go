// Package adapter reconciles local file changes with the game. It buffers
// watcher events while the game is away, flushes them once it connects, and
// implements the full upload, full download and RAM queries.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mschirtzinger/burnsync/internal/console"
	"github.com/Mschirtzinger/burnsync/internal/history"
	"github.com/Mschirtzinger/burnsync/internal/imports"
	"github.com/Mschirtzinger/burnsync/internal/location"
	"github.com/Mschirtzinger/burnsync/internal/rpc"
	"github.com/Mschirtzinger/burnsync/internal/transform"
	"github.com/Mschirtzinger/burnsync/internal/watch"
)

// Transport is the RPC surface the adapter needs.
type Transport interface {
	Connected() bool
	PushFile(ctx context.Context, params rpc.PushFileParams) error
	DeleteFile(ctx context.Context, params rpc.FileParams) error
	GetFileNames(ctx context.Context, params rpc.ServerParams) ([]string, error)
	GetAllFiles(ctx context.Context, params rpc.ServerParams) ([]rpc.FileContent, error)
	CalculateRAM(ctx context.Context, params rpc.FileParams) (float64, error)
	GetDefinitionFile(ctx context.Context) (string, error)
}

// Watcher is the part of the watch manager the adapter drives.
type Watcher interface {
	SetEnabled(enabled bool)
	FullReload(ctx context.Context) error
	Patterns() []string
}

// Transformer compiles a module.
type Transformer interface {
	Transform(ctx context.Context, file string) (*transform.Result, error)
}

// Journal persists sync outcomes.
type Journal interface {
	Record(ctx context.Context, e history.Entry) error
}

// Recorder receives counters and gauges.
type Recorder interface {
	RecordSync(action, outcome string)
	SetPending(n int)
	SetConnected(connected bool)
}

// Config configures an Adapter.
type Config struct {
	// Root is the project root.
	Root string
	// Resolver maps files to destinations.
	Resolver *location.Resolver
	// Transport talks to the game.
	Transport Transport
	// Watcher is disabled during full downloads.
	Watcher Watcher
	// Transformer compiles files whose watch item has Transform set.
	// When nil such files are pushed verbatim.
	Transformer Transformer
	// InlineSourceMap appends the source map to transformed code.
	InlineSourceMap bool
	// DTS is the definition file path relative to Root; "" disables it.
	DTS string

	// DownloadServers are read by FullDownload.
	DownloadServers []string
	// DownloadLocation maps a remote file to a local path; "" skips it.
	DownloadLocation func(file, server string) string
	// IgnoreTs skips a .js download shadowed by a local .ts file.
	IgnoreTs bool
	// IgnoreSourcemap skips downloads ending with an inline source map.
	IgnoreSourcemap bool
	// DumpLocation maps a pushed file to a local dump path; nil or ""
	// disables dumping.
	DumpLocation func(file, server string) string

	// Journal, Metrics and Notify observe every per-destination outcome.
	Journal Journal
	Metrics Recorder
	Notify  func(Outcome)

	// Logger for sync activity (default: discard).
	Logger *console.Logger
}

// Outcome describes the result of one action against one destination.
type Outcome struct {
	Action   history.Action
	File     string
	Server   string
	Filename string
	Outcome  history.Outcome
	Detail   string
}

// Adapter owns the pending buffer and the flush loop.
type Adapter struct {
	cfg    Config
	logger *console.Logger

	mu      sync.Mutex
	pending *pendingBuffer

	flushMu sync.Mutex
	kick    chan struct{}
}

// New creates an Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = console.Discard()
	}
	if len(cfg.DownloadServers) == 0 {
		cfg.DownloadServers = []string{location.DefaultServer}
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", cfg.Root, err)
	}
	cfg.Root = root

	return &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger,
		pending: newPendingBuffer(),
		kick:    make(chan struct{}, 1),
	}, nil
}

// Pending returns the number of buffered files.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending.len()
}

// OnSyncEvent buffers e and, when the game is connected, wakes the flush
// loop. It never blocks on I/O and may be used as a watch subscriber.
func (a *Adapter) OnSyncEvent(e watch.SyncEvent) {
	a.mu.Lock()
	a.pending.set(e)
	n := a.pending.len()
	a.mu.Unlock()

	if a.cfg.Metrics != nil {
		a.cfg.Metrics.SetPending(n)
	}
	a.logger.Status("hmr "+e.Event.String(), e.File, console.StatusPending)

	if a.cfg.Transport.Connected() {
		a.Signal()
	}
}

// Signal wakes the flush loop without blocking.
func (a *Adapter) Signal() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Run flushes the buffer whenever signalled until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.kick:
			a.Flush(ctx)
		}
	}
}

// Flush processes every buffered event in buffer order. Flushes never
// overlap; nothing is sent while the game is away.
func (a *Adapter) Flush(ctx context.Context) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	if !a.cfg.Transport.Connected() {
		return
	}

	a.mu.Lock()
	events := a.pending.snapshot()
	a.mu.Unlock()

	for _, e := range events {
		if ctx.Err() != nil {
			return
		}
		a.flushOne(ctx, e)
	}
}

// FlushOne processes a single event, serialized with Flush.
func (a *Adapter) FlushOne(ctx context.Context, e watch.SyncEvent) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	a.flushOne(ctx, e)
}

func (a *Adapter) flushOne(ctx context.Context, e watch.SyncEvent) {
	// Claim before any I/O so a concurrent flush cannot process e twice.
	a.mu.Lock()
	claimed := a.pending.claim(e)
	n := a.pending.len()
	a.mu.Unlock()
	if !claimed {
		return
	}
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.SetPending(n)
	}

	tag := "hmr " + e.Event.String()
	isAdd := e.Event != watch.EventUnlink

	var content string
	if isAdd {
		var err error
		content, err = a.fetchContent(ctx, e)
		if err != nil {
			a.logger.Error(tag, err.Error())
			a.record(ctx, Outcome{Action: history.ActionPush, File: e.File, Outcome: history.OutcomeError, Detail: err.Error()})
			return
		}
	}

	action := history.ActionPush
	if !isAdd {
		action = history.ActionDelete
	}

	dests := a.cfg.Resolver.Resolve(e.File)
	if len(dests) == 0 {
		a.logger.Status(tag, e.File, console.StatusIgnored)
		a.record(ctx, Outcome{Action: action, File: e.File, Outcome: history.OutcomeIgnored})
		return
	}

	for _, dest := range dests {
		change := formatUpload(e.File, dest.Filename, dest.Server)

		var err error
		if isAdd {
			err = a.push(ctx, e, content, dest)
		} else {
			err = a.cfg.Transport.DeleteFile(ctx, rpc.FileParams{Filename: dest.Filename, Server: dest.Server})
		}

		if err != nil {
			a.logger.Errorf("error", "%s: %s %v", e.Event, change, err)
			a.logger.Status(tag, e.File, console.StatusFailed)
			a.record(ctx, Outcome{Action: action, File: e.File, Server: dest.Server, Filename: dest.Filename, Outcome: history.OutcomeError, Detail: err.Error()})
			continue
		}
		a.logger.Status(tag, change, console.StatusDone)
		a.record(ctx, Outcome{Action: action, File: e.File, Server: dest.Server, Filename: dest.Filename, Outcome: history.OutcomeDone})
	}
}

// push rewrites imports for the destination, dumps and uploads content.
func (a *Adapter) push(ctx context.Context, e watch.SyncEvent, content string, dest location.Destination) error {
	if e.Transform {
		res, err := imports.Rewrite(content, imports.Options{
			Own:         e.File,
			Server:      dest.Server,
			OwnFilename: dest.Filename,
			Resolver:    a.cfg.Resolver,
		})
		if err != nil {
			a.logger.Warn("import", fmt.Sprintf("cannot rewrite imports of %s: %v", e.File, err))
		}
		for _, spec := range res.Unresolved {
			a.logger.Warn("import", fmt.Sprintf("path %q imported by %q not found on server %q", spec, e.File, dest.Server))
			a.logger.Warn("import", "this may break when the script runs on the server")
		}
		content = res.Code
	}

	a.dumpFile(e.File, content, dest.Server)

	return a.cfg.Transport.PushFile(ctx, rpc.PushFileParams{
		Filename: dest.Filename,
		Content:  content,
		Server:   dest.Server,
	})
}

// fetchContent returns what gets pushed for e: the transformed module, or
// the file itself.
func (a *Adapter) fetchContent(ctx context.Context, e watch.SyncEvent) (string, error) {
	if e.Transform && a.cfg.Transformer != nil {
		res, err := a.cfg.Transformer.Transform(ctx, e.File)
		if err != nil {
			if errors.Is(err, transform.ErrModuleNotFound) {
				return "", err
			}
			return "", fmt.Errorf("failed to transform %s: %w", e.File, err)
		}
		if a.cfg.InlineSourceMap {
			return transform.AppendInlineSourceMap(res), nil
		}
		return res.Code, nil
	}

	data, err := os.ReadFile(a.abs(e.File))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", e.File, err)
	}
	return string(data), nil
}

func (a *Adapter) dumpFile(file, content, server string) {
	if a.cfg.DumpLocation == nil {
		return
	}
	rel := a.cfg.DumpLocation(file, server)
	if rel == "" {
		return
	}
	if err := writeFile(a.abs(rel), content); err != nil {
		a.logger.Errorf("dump", "%s: %v", rel, err)
		return
	}
	a.logger.Info("dump", formatUpload(file, filepath.ToSlash(rel), server))
}

// HandleConnected runs when the game connects: it fetches the definition
// file and flushes everything buffered while the game was away.
func (a *Adapter) HandleConnected(ctx context.Context) {
	a.logger.Info("conn", "connected")
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.SetConnected(true)
	}
	a.FetchDTS(ctx)
	a.Flush(ctx)
}

// HandleDisconnected runs when the game goes away.
func (a *Adapter) HandleDisconnected() {
	a.logger.Warn("conn", "disconnected")
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.SetConnected(false)
	}
}

// FetchDTS writes the game's type definitions to Root/DTS.
func (a *Adapter) FetchDTS(ctx context.Context) {
	if a.cfg.DTS == "" {
		return
	}
	data, err := a.cfg.Transport.GetDefinitionFile(ctx)
	if err != nil {
		a.logger.Errorf("dts", "error getting dts file: %v", err)
		return
	}
	if err := writeFile(a.abs(a.cfg.DTS), data); err != nil {
		a.logger.Errorf("dts", "error writing dts file: %v", err)
		return
	}
	a.logger.Info("dts change", a.cfg.DTS)
}

// FullUpload re-emits every watched file as a change.
func (a *Adapter) FullUpload(ctx context.Context) error {
	if a.cfg.Watcher == nil {
		return fmt.Errorf("no watcher configured")
	}
	a.logger.Info("upload", "uploading all watched files")
	return a.cfg.Watcher.FullReload(ctx)
}

func (a *Adapter) record(ctx context.Context, o Outcome) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordSync(string(o.Action), string(o.Outcome))
	}
	if a.cfg.Journal != nil {
		err := a.cfg.Journal.Record(ctx, history.Entry{
			Action:   o.Action,
			File:     o.File,
			Server:   o.Server,
			Filename: o.Filename,
			Outcome:  o.Outcome,
			Detail:   o.Detail,
		})
		if err != nil {
			a.logger.Debug("history", err.Error())
		}
	}
	if a.cfg.Notify != nil {
		a.cfg.Notify(o)
	}
}

func (a *Adapter) abs(rel string) string {
	return filepath.Join(a.cfg.Root, filepath.FromSlash(rel))
}

func writeFile(p, content string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(p, []byte(content), 0644)
}

// formatUpload renders "src/a.ts -> @home:/a.js".
func formatUpload(from, to, server string) string {
	return fmt.Sprintf("%s -> @%s:%s", from, server, location.ForceStartingSlash(to))
}

// formatDownload renders "@home:/a.js -> src/a.js".
func formatDownload(from, to, server string) string {
	return fmt.Sprintf("@%s:/%s -> %s", server, from, location.RemoveStartingSlash(to))
}
