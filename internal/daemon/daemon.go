// Package daemon implements the relayd background service.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/drewfead/relay/internal/config"
	"github.com/drewfead/relay/internal/delivery"
	"github.com/drewfead/relay/internal/dispatch"
	"github.com/drewfead/relay/internal/eventlog"
	"github.com/drewfead/relay/internal/httpapi"
	"github.com/drewfead/relay/internal/logging"
	"github.com/drewfead/relay/internal/reconcile"
	"github.com/drewfead/relay/internal/scanner"
	"github.com/drewfead/relay/internal/state"
	"github.com/drewfead/relay/internal/trigger"
)

// ShutdownTimeout is how long to wait for graceful shutdown.
const ShutdownTimeout = 30 * time.Second

// Daemon composes the coordination services: periodic scan/reconcile,
// the state-watch dispatcher, and the HTTP API.
type Daemon struct {
	config     *config.Config
	store      *state.Store
	queue      *trigger.Queue
	scanner    *scanner.Scanner
	reconciler *reconcile.Reconciler
	dispatcher *dispatch.Dispatcher
	api        *httpapi.Server
	events     eventlog.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// New wires a daemon from config.
func New(cfg *config.Config, version string) (*Daemon, error) {
	store, err := state.Open(cfg.State.Path, cfg.State.BackupPath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	queue, err := trigger.Open(cfg.Triggers.QueuePath, cfg.Triggers.PendingDir)
	if err != nil {
		return nil, fmt.Errorf("open trigger queue: %w", err)
	}

	events, err := eventlog.OpenSQLite(cfg.Daemon.Database)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	scan := scanner.New(cfg.Sessions)
	reconciler := reconcile.New(cfg.Agents, reconcile.FileMarkerWriter{MarkerFile: cfg.Sessions.MarkerFile})

	pipeline := delivery.New(
		delivery.NewMacUI(cfg.Delivery.Terminal),
		events,
		delivery.Options{
			MaxAttempts:  cfg.Delivery.MaxAttempts,
			Backoff:      cfg.Delivery.Backoff,
			MaxTabCycles: cfg.Delivery.MaxTabCycles,
		},
	)

	dispatcher := dispatch.New(
		dispatch.Config{
			StatePath:    cfg.State.Path,
			Debounce:     cfg.Dispatch.Debounce,
			PollInterval: cfg.Dispatch.PollInterval,
		},
		store, queue, pipeline, events,
	)

	api := httpapi.New(httpapi.Options{
		Addr:       cfg.API.Addr,
		Store:      store,
		Queue:      queue,
		Scanner:    scan,
		Reconciler: reconciler,
		Deliverer:  pipeline,
		Events:     events,
		MarkerFile: cfg.Sessions.MarkerFile,
		Version:    version,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		config:     cfg,
		store:      store,
		queue:      queue,
		scanner:    scan,
		reconciler: reconciler,
		dispatcher: dispatcher,
		api:        api,
		events:     events,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Run starts the workers and blocks until a shutdown signal.
func (d *Daemon) Run() error {
	// One reconcile pass up front so the API serves fresh state
	// immediately.
	if err := d.scanOnce(); err != nil {
		logging.Warn("initial scan failed", "error", err)
	}

	d.wg.Add(3)
	go d.loop("scan-loop", d.scanLoop)
	go d.loop("dispatch-loop", func() {
		if err := d.dispatcher.Run(d.ctx); err != nil && d.ctx.Err() == nil {
			logging.Error("dispatcher stopped", "error", err)
		}
	})
	go d.loop("http-api", func() {
		if err := d.api.Run(d.ctx); err != nil && d.ctx.Err() == nil {
			logging.Error("http api stopped", "error", err)
		}
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logging.Info("received shutdown signal", "signal", sig.String())

	done := make(chan struct{})
	go func() {
		d.shutdown()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("shutdown complete")
		return nil
	case sig2 := <-sigCh:
		logging.Warn("second signal, forcing exit", "signal", sig2.String())
		return fmt.Errorf("forced shutdown by signal: %s", sig2)
	case <-time.After(ShutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", ShutdownTimeout)
	}
}

func (d *Daemon) loop(name string, fn func()) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("worker panic", "worker", name, "panic", r)
		}
	}()
	fn()
}

// scanLoop runs scan+reconcile on the configured interval.
func (d *Daemon) scanLoop() {
	interval := d.config.Sessions.ScanInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.scanOnce(); err != nil {
				logging.Error("scan pass", "error", err)
			}
		}
	}
}

// scanOnce performs one scan+reconcile pass and records it.
func (d *Daemon) scanOnce() error {
	sessions, err := d.scanner.Scan(d.ctx)
	if err != nil {
		return err
	}
	var result reconcile.Result
	err = d.store.Update(d.ctx, func(doc *state.Document) error {
		result = d.reconciler.Reconcile(doc, sessions, time.Now())
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := d.events.Append(d.ctx, eventlog.Event{
		Kind:   eventlog.KindReconcile,
		Detail: eventlog.Detail(result),
	}); err != nil {
		logging.Warn("record reconcile event", "error", err)
	}
	logging.Debug("scan pass complete",
		"sessions", result.Sessions,
		"from_marker", result.FromMarker,
		"written_back", result.WrittenBack,
		"unassigned", result.Unassigned)
	return nil
}

func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		if err := d.events.Close(); err != nil {
			logging.Warn("close event log", "error", err)
		}
		logging.Flush(2 * time.Second)
	})
}
