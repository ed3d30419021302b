// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe reports whether the server is currently reachable.
type Probe interface {
	Reachable(ctx context.Context) bool
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Reachable(ctx context.Context) bool { return f(ctx) }

// HTTPProbe treats a 2xx answer from GET <baseURL>/health as reachable.
func HTTPProbe(client *http.Client, baseURL string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return ProbeFunc(func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	})
}

// MonitorConfig controls polling and debouncing.
type MonitorConfig struct {
	PollInterval time.Duration // 0 disables polling; use Observe with a subscription source
	ProbeTimeout time.Duration
	Debounce     time.Duration // Reachability must hold this long before an event is emitted
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval: 15 * time.Second,
		ProbeTimeout: 5 * time.Second,
		Debounce:     2 * time.Second,
	}
}

// Monitor turns reachability observations into sync-requested events. A transition from
// unreachable to reachable emits one event once reachability has held for Debounce; flapping
// inside that window restarts it. Events are coalesced in a channel of capacity one.
type Monitor struct {
	probe  Probe
	config MonitorConfig
	logger *slog.Logger
	events chan struct{}

	mu        sync.Mutex
	reachable bool
	timer     *time.Timer
	gen       uint64 // Invalidates a pending debounce timer
}

// NewMonitor creates a monitor. The device is assumed unreachable until first observed.
func NewMonitor(probe Probe, config MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		probe:  probe,
		config: config,
		logger: logger,
		events: make(chan struct{}, 1),
	}
}

// Events delivers sync-requested signals.
func (m *Monitor) Events() <-chan struct{} { return m.events }

// Trigger requests a sync immediately ("sync now").
func (m *Monitor) Trigger() { m.emit() }

// Reachable returns the last observed state.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

func (m *Monitor) emit() {
	select {
	case m.events <- struct{}{}:
	default:
	}
}

// Observe records a reachability sample from a poll or a platform subscription.
func (m *Monitor) Observe(reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.reachable
	m.reachable = reachable
	if !reachable {
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		m.gen++
		if was {
			m.logger.Info("Server became unreachable")
		}
		return
	}
	if was || m.timer != nil {
		return
	}
	m.logger.Info("Server became reachable")
	if m.config.Debounce <= 0 {
		m.emit()
		return
	}
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.config.Debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || !m.reachable {
			return
		}
		m.timer = nil
		m.emit()
	})
}

// Run polls the probe until ctx is cancelled. Without a probe or poll interval it only
// waits for cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.stop()
	if m.probe == nil || m.config.PollInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(m.config.PollInterval)
	defer t.Stop()
	for {
		ok := m.check(ctx)
		if ctx.Err() != nil {
			return nil
		}
		m.Observe(ok)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context) bool {
	if m.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ProbeTimeout)
		defer cancel()
	}
	return m.probe.Reachable(ctx)
}

func (m *Monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}
