package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/burnsync/internal/adapter"
	"github.com/Mschirtzinger/burnsync/internal/config"
	"github.com/Mschirtzinger/burnsync/internal/console"
	"github.com/Mschirtzinger/burnsync/internal/history"
	"github.com/Mschirtzinger/burnsync/internal/location"
	"github.com/Mschirtzinger/burnsync/internal/metrics"
	"github.com/Mschirtzinger/burnsync/internal/rpc"
	"github.com/Mschirtzinger/burnsync/internal/status"
	"github.com/Mschirtzinger/burnsync/internal/transform"
	"github.com/Mschirtzinger/burnsync/internal/watch"
)

// session holds every component of one burnsync run.
type session struct {
	cfg      *config.Config
	logger   *console.Logger
	resolver *location.Resolver
	metrics  *metrics.Metrics
	journal  *history.DB
	rpc      *rpc.Manager
	watcher  *watch.Manager
	adapter  *adapter.Adapter
	status   *status.Server
	prompter prompter

	connectedOnce sync.Once
	connected     chan struct{}
}

// loadConfig resolves the configuration for cmd's flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	return config.Load(config.Options{File: file, Flags: cmd.Flags()})
}

// newSession wires the components. withStatus starts the status server
// when one is configured.
func newSession(cmd *cobra.Command, withStatus bool) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := console.New(console.Config{
		Level:   cfg.LogLevel.String(),
		Out:     cmd.ErrOrStderr(),
		LogFile: cfg.LogFile,
	})
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:       cfg,
		logger:    logger,
		resolver:  location.NewResolver(cfg.Watch),
		metrics:   metrics.New(),
		prompter:  huhPrompter{in: cmd.InOrStdin(), out: cmd.ErrOrStderr()},
		connected: make(chan struct{}),
	}
	if err := s.build(withStatus); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) build(withStatus bool) error {
	cfg := s.cfg
	if cfg.File != "" {
		s.logger.Debug("config", cfg.File)
	}

	if cfg.History != "" {
		p := cfg.History
		if !filepath.IsAbs(p) {
			p = filepath.Join(cfg.Cwd, p)
		}
		db, err := history.Open(p)
		if err != nil {
			return err
		}
		s.journal = db
	}

	opts := rpc.DefaultOptions()
	opts.Port = cfg.Port
	opts.Timeout = cfg.Timeout
	opts.Logger = s.logger
	opts.Observer = s.metrics
	s.rpc = rpc.New(opts)

	watcher, err := watch.New(watch.Config{
		Root:          cfg.Cwd,
		Items:         cfg.Watch,
		IgnoreInitial: cfg.IgnoreInitial,
		Logger:        s.logger,
	})
	if err != nil {
		return err
	}
	s.watcher = watcher

	transformer, err := transform.New(transform.Config{
		Root:      cfg.Cwd,
		SourceMap: cfg.Sourcemap != config.SourcemapNone,
	})
	if err != nil {
		return err
	}

	acfg := adapter.Config{
		Root:             cfg.Cwd,
		Resolver:         s.resolver,
		Transport:        s.rpc,
		Watcher:          s.watcher,
		Transformer:      transformer,
		InlineSourceMap:  cfg.Sourcemap == config.SourcemapInline,
		DTS:              cfg.DTS,
		DownloadServers:  cfg.Download.Servers,
		DownloadLocation: cfg.DownloadLocation,
		IgnoreTs:         cfg.Download.IgnoreTs,
		IgnoreSourcemap:  cfg.Download.IgnoreSourcemap,
		DumpLocation:     cfg.DumpLocation,
		Metrics:          s.metrics,
		Notify:           s.publish,
		Logger:           s.logger,
	}
	if s.journal != nil {
		acfg.Journal = s.journal
	}
	a, err := adapter.New(acfg)
	if err != nil {
		return err
	}
	s.adapter = a

	s.watcher.Subscribe(func(e watch.SyncEvent) {
		s.metrics.RecordEvent(e.Event.String())
		s.adapter.OnSyncEvent(e)
	})
	s.rpc.OnConnected(func(ctx context.Context) {
		if s.status != nil {
			s.status.PublishConnection(true)
		}
		s.adapter.HandleConnected(ctx)
		s.connectedOnce.Do(func() { close(s.connected) })
	})
	s.rpc.OnDisconnected(func() {
		if s.status != nil {
			s.status.PublishConnection(false)
		}
		s.adapter.HandleDisconnected()
	})

	if withStatus && cfg.StatusAddr != "" {
		s.status = status.NewServer(status.Config{
			Addr:    cfg.StatusAddr,
			State:   s.state,
			Metrics: s.metrics.Handler(),
			Logger:  s.logger,
		})
	}
	return nil
}

func (s *session) publish(o adapter.Outcome) {
	if s.status == nil {
		return
	}
	s.status.PublishSync(status.SyncData{
		Action:   string(o.Action),
		File:     o.File,
		Server:   o.Server,
		Filename: o.Filename,
		Outcome:  string(o.Outcome),
		Detail:   o.Detail,
	})
}

func (s *session) state() status.State {
	return status.State{
		Connected: s.rpc.Connected(),
		Pending:   s.adapter.Pending(),
		Root:      s.cfg.Cwd,
		Endpoint:  s.rpc.Addr(),
	}
}

// listen binds the game endpoint and, when configured, the status server.
func (s *session) listen() error {
	if err := s.rpc.Listen(); err != nil {
		return err
	}
	s.logger.Info("burnsync", "waiting for the game on ws://"+s.rpc.Addr())
	if s.status != nil {
		return s.status.Start()
	}
	return nil
}

// waitConnected blocks until the game connects, ctx ends or wait elapses.
// A zero wait waits indefinitely.
func (s *session) waitConnected(ctx context.Context, wait time.Duration) error {
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-s.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("%w: the game did not connect within %s", rpc.ErrNoConnection, wait)
	}
}

func (s *session) close() {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn("watch", err.Error())
		}
	}
	if s.rpc != nil {
		if err := s.rpc.Close(); err != nil {
			s.logger.Warn("conn", err.Error())
		}
	}
	if s.status != nil {
		if err := s.status.Stop(); err != nil {
			s.logger.Warn("status", err.Error())
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Warn("history", err.Error())
		}
	}
	_ = s.logger.Close()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
