// Package netmon reports the current connectivity class and signals the
// scheduler when it changes. Callbacks never mutate scheduler state
// directly; subscribers receive a bare re-evaluate signal.
package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/transfer"
)

// Connectivity is the coarse network class used for admission control.
type Connectivity int

const (
	ConnectivityNone Connectivity = iota
	ConnectivityMetered
	ConnectivityUnmetered
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityMetered:
		return "metered"
	case ConnectivityUnmetered:
		return "unmetered"
	default:
		return "none"
	}
}

// Satisfies reports whether this connectivity class meets a transfer's
// network requirement. NetworkGlobalOff is treated as NetworkAll; the
// scheduler resolves the global override before calling this.
func (c Connectivity) Satisfies(req transfer.NetworkType) bool {
	switch req {
	case transfer.NetworkUnmeteredOnly:
		return c == ConnectivityUnmetered
	default:
		return c != ConnectivityNone
	}
}

// Monitor reports connectivity and notifies on change.
type Monitor interface {
	Connectivity() Connectivity
	// Changes delivers one signal per detected connectivity change. The
	// channel is buffered; a slow consumer drops signals, never blocks
	// the monitor.
	Changes() <-chan struct{}
}

// StaticMonitor is a manually driven monitor used for tests and for
// deployments where connectivity is operator-declared.
type StaticMonitor struct {
	mu      sync.RWMutex
	current Connectivity
	changes chan struct{}
}

func NewStaticMonitor(initial Connectivity) *StaticMonitor {
	return &StaticMonitor{current: initial, changes: make(chan struct{}, 1)}
}

func (m *StaticMonitor) Connectivity() Connectivity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current
}

func (m *StaticMonitor) Changes() <-chan struct{} {
	return m.changes
}

// Set updates the connectivity class and signals subscribers.
func (m *StaticMonitor) Set(c Connectivity) {
	m.mu.Lock()
	changed := m.current != c
	m.current = c
	m.mu.Unlock()

	if changed {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	}
}

// ProbeMonitor detects connectivity by periodically dialing a probe
// address. It cannot tell metered from unmetered on its own; the
// assumeMetered flag decides which class a reachable network maps to.
type ProbeMonitor struct {
	probeAddr     string
	interval      time.Duration
	assumeMetered bool

	mu      sync.RWMutex
	current Connectivity
	changes chan struct{}
}

func NewProbeMonitor(probeAddr string, interval time.Duration, assumeMetered bool) *ProbeMonitor {
	current := ConnectivityUnmetered
	if assumeMetered {
		current = ConnectivityMetered
	}

	return &ProbeMonitor{
		probeAddr:     probeAddr,
		interval:      interval,
		assumeMetered: assumeMetered,
		current:       current,
		changes:       make(chan struct{}, 1),
	}
}

func (m *ProbeMonitor) Connectivity() Connectivity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current
}

func (m *ProbeMonitor) Changes() <-chan struct{} {
	return m.changes
}

// Watch probes until ctx is cancelled.
func (m *ProbeMonitor) Watch(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("network monitor shutting down")

			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *ProbeMonitor) probe() {
	detected := ConnectivityNone

	conn, err := net.DialTimeout("tcp", m.probeAddr, 3*time.Second)
	if err == nil {
		conn.Close()

		if m.assumeMetered {
			detected = ConnectivityMetered
		} else {
			detected = ConnectivityUnmetered
		}
	}

	m.mu.Lock()
	changed := m.current != detected
	m.current = detected
	m.mu.Unlock()

	if changed {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	}
}
