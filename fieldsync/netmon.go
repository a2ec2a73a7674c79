// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// MonitorConfig holds configuration for the network monitor.
type MonitorConfig struct {
	ProbeURL      string        // stable, cheap HEAD-able resource used as a reachability canary
	ProbeInterval time.Duration // periodic probe cadence
	ProbeTimeout  time.Duration // per-probe deadline; expiry means offline

	// Classify maps a probe outcome to a connection type. The probe alone
	// cannot distinguish wifi from cellular; platforms that know better
	// inject their own classifier. Nil defaults to wifi on success and none
	// on failure.
	Classify func(reachable bool) ConnectionType
}

// DefaultMonitorConfig returns probe settings suitable for mobile clients.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		ProbeURL:      "https://www.google.com/favicon.ico",
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// NetworkMonitor is the single source of truth for "can we talk to the
// server right now". It infers connectivity purely from bounded outbound
// probes; no platform connectivity API is consulted.
type NetworkMonitor struct {
	cfg    *MonitorConfig
	client *http.Client
	logger *slog.Logger

	mu           sync.Mutex
	state        NetworkState
	listeners    map[int]func(NetworkState)
	nextListener int
	stopCh       chan struct{} // non-nil while the periodic loop runs
}

// NewNetworkMonitor creates a monitor with the given configuration. The
// monitor starts in the offline state until the first probe.
func NewNetworkMonitor(cfg *MonitorConfig, logger *slog.Logger) *NetworkMonitor {
	if cfg == nil {
		cfg = DefaultMonitorConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkMonitor{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.ProbeTimeout},
		logger:    logger,
		state:     NetworkState{ConnectionType: ConnectionNone},
		listeners: make(map[int]func(NetworkState)),
	}
}

// Initialize performs an immediate probe and starts periodic probing.
// Calling it again cancels the previous loop and restarts it, so duplicate
// timers never accumulate.
func (m *NetworkMonitor) Initialize(ctx context.Context) {
	m.mu.Lock()
	if m.stopCh != nil {
		close(m.stopCh)
	}
	stopCh := make(chan struct{})
	m.stopCh = stopCh
	m.mu.Unlock()

	m.probeAndNotify(ctx)

	go m.probeLoop(ctx, stopCh)
}

func (m *NetworkMonitor) probeLoop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAndNotify(ctx)
		}
	}
}

// CheckConnectivity issues one bounded reachability probe and updates the
// stored state. A failed probe is not an error; it silently becomes the
// offline state.
func (m *NetworkMonitor) CheckConnectivity(ctx context.Context) NetworkState {
	reachable := m.probe(ctx)

	classify := m.cfg.Classify
	var connType ConnectionType
	if classify != nil {
		connType = classify(reachable)
	} else if reachable {
		connType = ConnectionWifi
	} else {
		connType = ConnectionNone
	}

	state := NetworkState{
		Connected:         reachable,
		InternetReachable: reachable,
		ConnectionType:    connType,
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return state
}

func (m *NetworkMonitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		m.logger.Debug("Failed to build probe request", "error", err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		// Timeout, DNS failure, abort: all mean offline, never an error.
		m.logger.Debug("Connectivity probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	// Any completed response proves the network path works; the canary's
	// status code is irrelevant.
	return true
}

// probeAndNotify runs one probe and fans the new state out to listeners.
// Notification happens after each completed probe, not on Status reads.
func (m *NetworkMonitor) probeAndNotify(ctx context.Context) {
	state := m.CheckConnectivity(ctx)

	m.mu.Lock()
	callbacks := make([]func(NetworkState), 0, len(m.listeners))
	for _, fn := range m.listeners {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	for _, fn := range callbacks {
		m.notifyListener(fn, state)
	}
}

// notifyListener invokes one callback, containing panics so a broken
// listener never prevents later listeners from being notified.
func (m *NetworkMonitor) notifyListener(fn func(NetworkState), state NetworkState) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Network listener panicked", "panic", r)
		}
	}()
	fn(state)
}

// Status returns the last-computed state without probing.
func (m *NetworkMonitor) Status() NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ShouldAttemptSync reports whether sync should be attempted right now:
// connected, and on a high-confidence connection type. Cellular and unknown
// links are excluded by policy, not as a hard network fact.
func (m *NetworkMonitor) ShouldAttemptSync() bool {
	state := m.Status()
	if !state.Connected {
		return false
	}
	switch state.ConnectionType {
	case ConnectionWifi, ConnectionEthernet:
		return true
	default:
		return false
	}
}

// AddListener registers a state-change callback and returns its unsubscribe
// function.
func (m *NetworkMonitor) AddListener(fn func(NetworkState)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Cleanup cancels periodic probing and clears all listeners. Safe to call
// repeatedly; no probe fires after it returns.
func (m *NetworkMonitor) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.listeners = make(map[int]func(NetworkState))
}
