// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func probeConfig(url string, interval time.Duration) *MonitorConfig {
	return &MonitorConfig{
		ProbeURL:      url,
		ProbeInterval: interval,
		ProbeTimeout:  250 * time.Millisecond,
	}
}

func TestCheckConnectivityOnline(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	m := NewNetworkMonitor(probeConfig(ts.URL, time.Hour), nil)
	state := m.CheckConnectivity(context.Background())
	require.True(t, state.Connected)
	require.True(t, state.InternetReachable)
	require.Equal(t, ConnectionWifi, state.ConnectionType)
	require.True(t, m.ShouldAttemptSync())
	require.Equal(t, state, m.Status())
}

func TestProbeTimeoutMeansOffline(t *testing.T) {
	// The canary hangs past the probe deadline; the timeout silently becomes
	// the offline state, never an error.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer ts.Close()

	cfg := probeConfig(ts.URL, time.Hour)
	cfg.ProbeTimeout = 50 * time.Millisecond
	m := NewNetworkMonitor(cfg, nil)

	state := m.CheckConnectivity(context.Background())
	require.False(t, state.Connected)
	require.False(t, state.InternetReachable)
	require.Equal(t, ConnectionNone, state.ConnectionType)
	require.False(t, m.ShouldAttemptSync())
}

func TestProbeUnreachableHostMeansOffline(t *testing.T) {
	m := NewNetworkMonitor(probeConfig("http://127.0.0.1:1", time.Hour), nil)
	state := m.CheckConnectivity(context.Background())
	require.False(t, state.Connected)
	require.False(t, m.ShouldAttemptSync())
}

func TestShouldAttemptSyncPolicy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	// Connected over cellular: reachable but not high-confidence.
	cfg := probeConfig(ts.URL, time.Hour)
	cfg.Classify = func(reachable bool) ConnectionType {
		if reachable {
			return ConnectionCellular
		}
		return ConnectionNone
	}
	m := NewNetworkMonitor(cfg, nil)
	state := m.CheckConnectivity(context.Background())
	require.True(t, state.Connected)
	require.False(t, m.ShouldAttemptSync())
}

func TestListenersNotifiedOnProbe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	m := NewNetworkMonitor(probeConfig(ts.URL, 20*time.Millisecond), nil)
	defer m.Cleanup()

	var notified atomic.Int32
	// A panicking listener must never break notification of later listeners.
	m.AddListener(func(NetworkState) { panic("bad listener") })
	unsub := m.AddListener(func(state NetworkState) {
		require.True(t, state.Connected)
		notified.Add(1)
	})

	m.Initialize(context.Background())
	require.Eventually(t, func() bool { return notified.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	// After unsubscribe no further notifications arrive.
	unsub()
	seen := notified.Load()
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, seen, notified.Load())
}

func TestCleanupIdempotent(t *testing.T) {
	var probes atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
	}))
	defer ts.Close()

	m := NewNetworkMonitor(probeConfig(ts.URL, 10*time.Millisecond), nil)
	m.Initialize(context.Background())
	require.Eventually(t, func() bool { return probes.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	m.Cleanup()
	m.Cleanup() // safe to call twice

	// No probe fires after cleanup returns.
	time.Sleep(30 * time.Millisecond)
	seen := probes.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, seen, probes.Load())
}

func TestReinitializeRestartsProbing(t *testing.T) {
	var probes atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
	}))
	defer ts.Close()

	m := NewNetworkMonitor(probeConfig(ts.URL, 10*time.Millisecond), nil)
	defer m.Cleanup()

	m.Initialize(context.Background())
	m.Initialize(context.Background()) // restarts, must not leak a second timer

	require.Eventually(t, func() bool { return probes.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	m.Cleanup()
	time.Sleep(30 * time.Millisecond)
	seen := probes.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, seen, probes.Load())
}
