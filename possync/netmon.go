// Copyright 2025 Mihigojordan
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Event is a connectivity or lifecycle transition fed to the Monitor.
type Event int

const (
	// EventOnline signals connectivity was regained; triggers a sync pass.
	EventOnline Event = iota
	// EventOffline signals connectivity was lost.
	EventOffline
	// EventForeground signals the application regained focus; triggers a
	// sync pass when currently online.
	EventForeground
)

// Monitor turns connectivity and lifecycle transitions into sync triggers.
// Callers push events through an explicit channel rather than registering
// callbacks, so triggering is testable without simulating real connectivity.
// It also runs the low-frequency cleanup sweep that evicts mutations whose
// retry budget was exhausted between passes.
type Monitor struct {
	engine *Engine
	logger *slog.Logger

	events chan Event
	online atomic.Bool

	cleanupEvery time.Duration
}

// NewMonitor wires a monitor to the engine. The monitor starts offline until
// the first EventOnline arrives.
func NewMonitor(engine *Engine, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		engine:       engine,
		logger:       logger,
		events:       make(chan Event, 16),
		cleanupEvery: engine.cfg.CleanupInterval,
	}
	engine.attachMonitor(m)
	return m
}

// Events is the channel connectivity sources push transitions into.
func (m *Monitor) Events() chan<- Event { return m.events }

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool { return m.online.Load() }

// Run consumes events until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ctx, ev)
		case <-ticker.C:
			dropped, err := m.engine.orch.EvictExhausted(ctx)
			if err != nil {
				m.logger.Warn("cleanup sweep failed", "error", err)
			} else if dropped > 0 {
				m.logger.Info("cleanup sweep evicted mutations", "count", dropped)
			}
		}
	}
}

func (m *Monitor) handle(ctx context.Context, ev Event) {
	switch ev {
	case EventOnline:
		wasOnline := m.online.Swap(true)
		if !wasOnline {
			m.logger.Info("connectivity regained; triggering sync")
			m.trigger(ctx)
		}
	case EventOffline:
		if m.online.Swap(false) {
			m.logger.Info("connectivity lost")
		}
	case EventForeground:
		if m.online.Load() {
			m.logger.Debug("foreground while online; triggering sync")
			m.trigger(ctx)
		}
	}
}

func (m *Monitor) trigger(ctx context.Context) {
	report := m.engine.TriggerSync(ctx)
	if err := report.Err(); err != nil {
		m.logger.Warn("opportunistic sync failed", "error", err)
	}
}

// Probe polls fn at the given interval and feeds online/offline transitions
// into the event channel. Intended for deployments without a platform
// connectivity signal; fn typically issues a HEAD against the server.
func (m *Monitor) Probe(ctx context.Context, interval time.Duration, fn func(ctx context.Context) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			up := fn(ctx)
			if up != m.online.Load() {
				if up {
					m.events <- EventOnline
				} else {
					m.events <- EventOffline
				}
			}
		}
	}
}
