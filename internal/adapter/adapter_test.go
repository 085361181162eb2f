package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mschirtzinger/burnsync/internal/console"
	"github.com/Mschirtzinger/burnsync/internal/history"
	"github.com/Mschirtzinger/burnsync/internal/location"
	"github.com/Mschirtzinger/burnsync/internal/rpc"
	"github.com/Mschirtzinger/burnsync/internal/transform"
	"github.com/Mschirtzinger/burnsync/internal/watch"
)

// fakeGame records calls and answers from in-memory state.
type fakeGame struct {
	mu        sync.Mutex
	connected bool
	pushes    []rpc.PushFileParams
	deletes   []rpc.FileParams
	ramCalls  []rpc.FileParams
	files     map[string][]rpc.FileContent
	ram       map[string]float64
	failOn    map[string]error // server -> error
	dts       string
}

func newFakeGame() *fakeGame {
	return &fakeGame{
		connected: true,
		files:     make(map[string][]rpc.FileContent),
		ram:       make(map[string]float64),
		failOn:    make(map[string]error),
	}
}

func (g *fakeGame) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGame) setConnected(v bool) {
	g.mu.Lock()
	g.connected = v
	g.mu.Unlock()
}

func (g *fakeGame) PushFile(_ context.Context, p rpc.PushFileParams) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failOn[p.Server]; err != nil {
		return err
	}
	g.pushes = append(g.pushes, p)
	return nil
}

func (g *fakeGame) DeleteFile(_ context.Context, p rpc.FileParams) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failOn[p.Server]; err != nil {
		return err
	}
	g.deletes = append(g.deletes, p)
	return nil
}

func (g *fakeGame) GetFileNames(_ context.Context, p rpc.ServerParams) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failOn[p.Server]; err != nil {
		return nil, err
	}
	var names []string
	for _, f := range g.files[p.Server] {
		names = append(names, f.Filename)
	}
	return names, nil
}

func (g *fakeGame) GetAllFiles(_ context.Context, p rpc.ServerParams) ([]rpc.FileContent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failOn[p.Server]; err != nil {
		return nil, err
	}
	return g.files[p.Server], nil
}

func (g *fakeGame) CalculateRAM(_ context.Context, p rpc.FileParams) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ramCalls = append(g.ramCalls, p)
	if err := g.failOn[p.Server]; err != nil {
		return 0, err
	}
	gb, ok := g.ram[p.Server+":"+p.Filename]
	if !ok {
		return 0, errors.New("file not found")
	}
	return gb, nil
}

func (g *fakeGame) GetDefinitionFile(context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dts == "" {
		return "", errors.New("no definitions")
	}
	return g.dts, nil
}

func (g *fakeGame) pushed() []rpc.PushFileParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]rpc.PushFileParams(nil), g.pushes...)
}

type fakeWatcher struct {
	mu       sync.Mutex
	enabled  []bool
	reloads  int
	patterns []string
}

func (w *fakeWatcher) SetEnabled(v bool) {
	w.mu.Lock()
	w.enabled = append(w.enabled, v)
	w.mu.Unlock()
}

func (w *fakeWatcher) FullReload(context.Context) error {
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	return nil
}

func (w *fakeWatcher) Patterns() []string { return w.patterns }

type fakeJournal struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (j *fakeJournal) Record(_ context.Context, e history.Entry) error {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
	return nil
}

func writeLocal(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestAdapter(t *testing.T, game *fakeGame, items []location.WatchItem, mutate func(*Config)) (*Adapter, string) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		Root:      root,
		Resolver:  location.NewResolver(items),
		Transport: game,
		Logger:    console.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a, root
}

func event(item location.WatchItem, file string, kind watch.EventKind, ts int64) watch.SyncEvent {
	return watch.SyncEvent{WatchItem: item, File: file, Event: kind, Timestamp: ts}
}

var plainItem = location.WatchItem{Pattern: "src/**/*.js"}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Resolver: location.NewResolver(nil)}); err == nil {
		t.Error("New() without transport should fail")
	}
	if _, err := New(Config{Transport: newFakeGame()}); err == nil {
		t.Error("New() without resolver should fail")
	}
}

func TestFlush_PushesFileContent(t *testing.T) {
	game := newFakeGame()
	a, root := newTestAdapter(t, game, []location.WatchItem{plainItem}, nil)
	writeLocal(t, root, "src/lib/a.js", "export const a = 1;")

	a.OnSyncEvent(event(plainItem, "src/lib/a.js", watch.EventAdd, 1))
	if a.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", a.Pending())
	}
	a.Flush(context.Background())

	pushes := game.pushed()
	if len(pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(pushes))
	}
	want := rpc.PushFileParams{Filename: "/lib/a.js", Content: "export const a = 1;", Server: "home"}
	if pushes[0] != want {
		t.Errorf("push = %+v, want %+v", pushes[0], want)
	}
	if a.Pending() != 0 {
		t.Errorf("Pending() after flush = %d, want 0", a.Pending())
	}
}

func TestFlush_MultipleDestinationsInOrder(t *testing.T) {
	game := newFakeGame()
	item := location.WatchItem{
		Pattern:  "src/**/*.js",
		Location: location.List{location.Literal("home"), location.Object{Filename: "x.js", Server: "n00dles"}},
	}
	a, root := newTestAdapter(t, game, []location.WatchItem{item}, nil)
	writeLocal(t, root, "src/a.js", "1")

	a.OnSyncEvent(event(item, "src/a.js", watch.EventChange, 1))
	a.Flush(context.Background())

	pushes := game.pushed()
	if len(pushes) != 2 {
		t.Fatalf("pushes = %d, want 2", len(pushes))
	}
	if pushes[0].Server != "home" || pushes[0].Filename != "a.js" {
		t.Errorf("first push = %+v", pushes[0])
	}
	if pushes[1].Server != "n00dles" || pushes[1].Filename != "x.js" {
		t.Errorf("second push = %+v", pushes[1])
	}
}

func TestFlush_BufferOrder(t *testing.T) {
	game := newFakeGame()
	a, root := newTestAdapter(t, game, []location.WatchItem{plainItem}, nil)
	for _, f := range []string{"src/c.js", "src/a.js", "src/b.js"} {
		writeLocal(t, root, f, f)
	}

	game.setConnected(false)
	a.OnSyncEvent(event(plainItem, "src/c.js", watch.EventAdd, 1))
	a.OnSyncEvent(event(plainItem, "src/a.js", watch.EventAdd, 2))
	a.OnSyncEvent(event(plainItem, "src/b.js", watch.EventAdd, 3))
	a.OnSyncEvent(event(plainItem, "src/c.js", watch.EventChange, 4))

	a.Flush(context.Background())
	if len(game.pushed()) != 0 {
		t.Fatal("Flush() pushed while disconnected")
	}
	if a.Pending() != 3 {
		t.Fatalf("Pending() = %d, want 3", a.Pending())
	}

	game.setConnected(true)
	a.Flush(context.Background())

	var got []string
	for _, p := range game.pushed() {
		got = append(got, p.Filename)
	}
	if strings.Join(got, ",") != "c.js,a.js,b.js" {
		t.Errorf("push order = %v, want [c.js a.js b.js]", got)
	}
}

func TestFlushOne_SupersededEventIsSkipped(t *testing.T) {
	game := newFakeGame()
	a, root := newTestAdapter(t, game, []location.WatchItem{plainItem}, nil)
	writeLocal(t, root, "src/a.js", "new")

	old := event(plainItem, "src/a.js", watch.EventChange, 1)
	a.OnSyncEvent(old)
	a.OnSyncEvent(event(plainItem, "src/a.js", watch.EventChange, 2))

	a.FlushOne(context.Background(), old)
	if n := len(game.pushed()); n != 0 {
		t.Fatalf("stale event pushed %d times", n)
	}
	if a.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", a.Pending())
	}

	a.Flush(context.Background())
	a.Flush(context.Background())
	if n := len(game.pushed()); n != 1 {
		t.Errorf("pushes = %d, want exactly 1", n)
	}
}

func TestFlush_FailureDoesNotStopSiblings(t *testing.T) {
	game := newFakeGame()
	game.failOn["n00dles"] = errors.New("server not found")
	item := location.WatchItem{
		Pattern:  "src/**/*.js",
		Location: location.List{location.Literal("n00dles"), location.Literal("home")},
	}
	journal := &fakeJournal{}
	var outcomes []Outcome
	a, root := newTestAdapter(t, game, []location.WatchItem{item}, func(c *Config) {
		c.Journal = journal
		c.Notify = func(o Outcome) { outcomes = append(outcomes, o) }
	})
	writeLocal(t, root, "src/a.js", "1")

	a.OnSyncEvent(event(item, "src/a.js", watch.EventChange, 1))
	a.Flush(context.Background())

	pushes := game.pushed()
	if len(pushes) != 1 || pushes[0].Server != "home" {
		t.Fatalf("pushes = %+v, want one push to home", pushes)
	}
	if a.Pending() != 0 {
		t.Errorf("failed event was requeued")
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	if outcomes[0].Outcome != history.OutcomeError || outcomes[0].Server != "n00dles" {
		t.Errorf("first outcome = %+v", outcomes[0])
	}
	if outcomes[1].Outcome != history.OutcomeDone || outcomes[1].Server != "home" {
		t.Errorf("second outcome = %+v", outcomes[1])
	}
	if len(journal.entries) != 2 || journal.entries[1].Action != history.ActionPush {
		t.Errorf("journal = %+v", journal.entries)
	}
}

func TestFlush_UnlinkDeletes(t *testing.T) {
	game := newFakeGame()
	a, _ := newTestAdapter(t, game, []location.WatchItem{plainItem}, nil)

	a.OnSyncEvent(event(plainItem, "src/gone.js", watch.EventUnlink, 1))
	a.Flush(context.Background())

	if len(game.pushes) != 0 {
		t.Errorf("unlink pushed content")
	}
	if len(game.deletes) != 1 || game.deletes[0] != (rpc.FileParams{Filename: "gone.js", Server: "home"}) {
		t.Errorf("deletes = %+v", game.deletes)
	}
}

func TestFlush_IgnoredWhenNoDestination(t *testing.T) {
	game := newFakeGame()
	item := location.WatchItem{
		Pattern:  "src/**/*.js",
		Location: location.Computed(func(string) location.Spec { return nil }),
	}
	var outcomes []Outcome
	a, root := newTestAdapter(t, game, []location.WatchItem{item}, func(c *Config) {
		c.Notify = func(o Outcome) { outcomes = append(outcomes, o) }
	})
	writeLocal(t, root, "src/a.js", "1")

	a.OnSyncEvent(event(item, "src/a.js", watch.EventChange, 1))
	a.Flush(context.Background())

	if len(game.pushed()) != 0 {
		t.Error("ignored file was pushed")
	}
	if len(outcomes) != 1 || outcomes[0].Outcome != history.OutcomeIgnored {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestFlush_MissingFileFails(t *testing.T) {
	game := newFakeGame()
	var outcomes []Outcome
	a, _ := newTestAdapter(t, game, []location.WatchItem{plainItem}, func(c *Config) {
		c.Notify = func(o Outcome) { outcomes = append(outcomes, o) }
	})

	a.OnSyncEvent(event(plainItem, "src/missing.js", watch.EventChange, 1))
	a.Flush(context.Background())

	if len(game.pushed()) != 0 {
		t.Error("missing file was pushed")
	}
	if len(outcomes) != 1 || outcomes[0].Outcome != history.OutcomeError {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestFlush_RewritesImportsAndDumps(t *testing.T) {
	game := newFakeGame()
	item := location.WatchItem{Pattern: "src/**/*.js", Transform: true}
	a, root := newTestAdapter(t, game, []location.WatchItem{item}, func(c *Config) {
		c.DumpLocation = func(file, server string) string {
			return "dist/" + server + "/" + location.DefaultUploadLocation(file)
		}
	})
	writeLocal(t, root, "src/lib/b.js", "export const b = 2;")
	writeLocal(t, root, "src/main.js", `import { b } from "/src/lib/b.js";
import { c } from "/other/c.js";
export default b;`)

	a.OnSyncEvent(event(item, "src/main.js", watch.EventChange, 1))
	a.Flush(context.Background())

	pushes := game.pushed()
	if len(pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(pushes))
	}
	want := `import { b } from "./lib/b.js";
import { c } from "/other/c.js";
export default b;`
	if pushes[0].Content != want {
		t.Errorf("content =\n%s\nwant\n%s", pushes[0].Content, want)
	}

	dumped, err := os.ReadFile(filepath.Join(root, "dist", "home", "main.js"))
	if err != nil {
		t.Fatalf("dump not written: %v", err)
	}
	if string(dumped) != want {
		t.Errorf("dump = %q", dumped)
	}
}

func TestHandleConnected_FetchesDTSAndFlushes(t *testing.T) {
	game := newFakeGame()
	game.setConnected(false)
	game.dts = "declare const ns: NS;"
	a, root := newTestAdapter(t, game, []location.WatchItem{plainItem}, func(c *Config) {
		c.DTS = "types/Netscript.d.ts"
	})
	writeLocal(t, root, "src/a.js", "1")
	a.OnSyncEvent(event(plainItem, "src/a.js", watch.EventAdd, 1))

	game.setConnected(true)
	a.HandleConnected(context.Background())

	data, err := os.ReadFile(filepath.Join(root, "types", "Netscript.d.ts"))
	if err != nil {
		t.Fatalf("dts not written: %v", err)
	}
	if string(data) != game.dts {
		t.Errorf("dts = %q", data)
	}
	if len(game.pushed()) != 1 {
		t.Errorf("pushes = %d, want 1", len(game.pushed()))
	}
}

func TestRun_FlushesOnSignal(t *testing.T) {
	game := newFakeGame()
	a, root := newTestAdapter(t, game, []location.WatchItem{plainItem}, nil)
	writeLocal(t, root, "src/a.js", "1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	a.OnSyncEvent(event(plainItem, "src/a.js", watch.EventAdd, 1))

	deadline := time.After(2 * time.Second)
	for len(game.pushed()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for flush")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestFullUpload(t *testing.T) {
	w := &fakeWatcher{}
	a, _ := newTestAdapter(t, newFakeGame(), []location.WatchItem{plainItem}, func(c *Config) {
		c.Watcher = w
	})
	if err := a.FullUpload(context.Background()); err != nil {
		t.Fatalf("FullUpload() error = %v", err)
	}
	if w.reloads != 1 {
		t.Errorf("reloads = %d, want 1", w.reloads)
	}
}

// fakeTransformer answers Transform from a table keyed by file.
type fakeTransformer struct {
	results map[string]*transform.Result
	errs    map[string]error
}

func (f *fakeTransformer) Transform(_ context.Context, file string) (*transform.Result, error) {
	if err := f.errs[file]; err != nil {
		return nil, err
	}
	r, ok := f.results[file]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transform.ErrModuleNotFound, file)
	}
	return r, nil
}

func TestFlush_Transform(t *testing.T) {
	sourceMap := `{"version":3}`
	tests := []struct {
		name       string
		file       string
		inline     bool
		wantPushes []rpc.PushFileParams
		wantDetail string
	}{
		{
			name:       "transformed code is pushed",
			file:       "src/a.ts",
			wantPushes: []rpc.PushFileParams{{Filename: "a.js", Content: "x", Server: "home"}},
		},
		{
			name:   "inline source map appended",
			file:   "src/a.ts",
			inline: true,
			wantPushes: []rpc.PushFileParams{{
				Filename: "a.js",
				Content:  "x\n" + transform.InlineSourceMap(sourceMap),
				Server:   "home",
			}},
		},
		{
			name:       "module not found aborts the file",
			file:       "src/missing.ts",
			wantDetail: "module not found",
		},
		{
			name:       "transform failure aborts the file",
			file:       "src/broken.ts",
			wantDetail: "failed to transform src/broken.ts: syntax error",
		},
	}

	item := location.WatchItem{Pattern: "src/**/*.ts", Transform: true}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			game := newFakeGame()
			tr := &fakeTransformer{
				results: map[string]*transform.Result{"src/a.ts": {Code: "x", Map: sourceMap}},
				errs:    map[string]error{"src/broken.ts": errors.New("syntax error")},
			}
			var outcomes []Outcome
			a, _ := newTestAdapter(t, game, []location.WatchItem{item}, func(c *Config) {
				c.Transformer = tr
				c.InlineSourceMap = tt.inline
				c.Notify = func(o Outcome) { outcomes = append(outcomes, o) }
			})

			a.OnSyncEvent(event(item, tt.file, watch.EventChange, 1))
			a.Flush(context.Background())

			pushes := game.pushed()
			if len(pushes) != len(tt.wantPushes) {
				t.Fatalf("pushes = %+v, want %+v", pushes, tt.wantPushes)
			}
			for i := range pushes {
				if pushes[i] != tt.wantPushes[i] {
					t.Errorf("push[%d] = %+v, want %+v", i, pushes[i], tt.wantPushes[i])
				}
			}
			if a.Pending() != 0 {
				t.Errorf("Pending() = %d, want 0", a.Pending())
			}
			if len(outcomes) != 1 {
				t.Fatalf("outcomes = %+v, want 1", outcomes)
			}
			if tt.wantDetail == "" {
				if outcomes[0].Outcome != history.OutcomeDone {
					t.Errorf("outcome = %+v, want done", outcomes[0])
				}
				return
			}
			if outcomes[0].Outcome != history.OutcomeError || !strings.Contains(outcomes[0].Detail, tt.wantDetail) {
				t.Errorf("outcome = %+v, want error containing %q", outcomes[0], tt.wantDetail)
			}
		})
	}
}

func TestFlush_TransformFailureKeepsOtherFiles(t *testing.T) {
	game := newFakeGame()
	item := location.WatchItem{Pattern: "src/**/*.ts", Transform: true}
	tr := &fakeTransformer{
		results: map[string]*transform.Result{"src/ok.ts": {Code: "ok"}},
		errs:    map[string]error{"src/bad.ts": errors.New("syntax error")},
	}
	a, _ := newTestAdapter(t, game, []location.WatchItem{item}, func(c *Config) {
		c.Transformer = tr
	})

	a.OnSyncEvent(event(item, "src/bad.ts", watch.EventChange, 1))
	a.OnSyncEvent(event(item, "src/ok.ts", watch.EventChange, 2))
	a.Flush(context.Background())

	pushes := game.pushed()
	if len(pushes) != 1 || pushes[0] != (rpc.PushFileParams{Filename: "ok.js", Content: "ok", Server: "home"}) {
		t.Errorf("pushes = %+v, want only ok.js", pushes)
	}
}

func TestFlush_ImportsRelativeToEachDestination(t *testing.T) {
	game := newFakeGame()
	item := location.WatchItem{
		Pattern:   "src/**/*.ts",
		Transform: true,
		Location: location.Computed(func(file string) location.Spec {
			if file != "src/main.ts" {
				return location.Literal("home")
			}
			return location.List{
				location.Literal("home"),
				location.Object{Server: "home", Filename: "deep/nested/main.js"},
			}
		}),
	}
	tr := &fakeTransformer{results: map[string]*transform.Result{
		"src/main.ts": {Code: `import { b } from "/src/lib/b.ts";`},
	}}
	a, _ := newTestAdapter(t, game, []location.WatchItem{item}, func(c *Config) {
		c.Transformer = tr
	})

	a.OnSyncEvent(event(item, "src/main.ts", watch.EventChange, 1))
	a.Flush(context.Background())

	want := []rpc.PushFileParams{
		{Filename: "main.js", Content: `import { b } from "./lib/b.js";`, Server: "home"},
		{Filename: "/deep/nested/main.js", Content: `import { b } from "../../lib/b.js";`, Server: "home"},
	}
	pushes := game.pushed()
	if len(pushes) != len(want) {
		t.Fatalf("pushes = %+v, want %+v", pushes, want)
	}
	for i := range want {
		if pushes[i] != want[i] {
			t.Errorf("push[%d] = %+v, want %+v", i, pushes[i], want[i])
		}
	}
}
