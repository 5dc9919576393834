package connmon

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// NetworkChecker reports device-level network reachability.
type NetworkChecker func(ctx context.Context) bool

// Prober is a lightweight remote-store reachability check. The bbolt store's
// Ping satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
}

// DefaultNetworkChecker treats any non-loopback interface address as
// reachable.
func DefaultNetworkChecker(_ context.Context) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			return true
		}
	}
	return false
}

type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// Monitor derives a single "messaging is usable" boolean from network
// reachability and remote-store reachability, re-evaluated on a fixed
// interval and immediately on foreground transitions. Observers fire only on
// transitions, which is what drives the degraded-mode indicator.
type Monitor struct {
	cfg     Config
	network NetworkChecker
	prober  Prober
	logger  *slog.Logger

	mu        sync.RWMutex
	connected bool
	evaluated bool
	observers []func(connected bool)
}

func New(cfg Config, network NetworkChecker, prober Prober, logger *slog.Logger) *Monitor {
	if network == nil {
		network = DefaultNetworkChecker
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	return &Monitor{
		cfg:     cfg,
		network: network,
		prober:  prober,
		logger:  logger,
	}
}

// OnChange registers an observer for connectivity transitions.
func (m *Monitor) OnChange(f func(connected bool)) {
	m.mu.Lock()
	m.observers = append(m.observers, f)
	m.mu.Unlock()
}

// Connected returns the last derived status.
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Check evaluates both signals now and returns the combined status. The
// network check short-circuits: an unreachable device skips the store probe.
func (m *Monitor) Check(ctx context.Context) bool {
	connected := false
	if m.network(ctx) {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := m.prober.Ping(probeCtx)
		cancel()
		if err != nil {
			m.logger.Warn("remote store unreachable", "error", err)
		} else {
			connected = true
		}
	} else {
		m.logger.Warn("network unreachable")
	}

	m.update(connected)
	return connected
}

// OnForeground re-checks immediately, outside the regular interval.
func (m *Monitor) OnForeground(ctx context.Context) {
	m.Check(ctx)
}

// Run re-evaluates on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) update(connected bool) {
	m.mu.Lock()
	changed := !m.evaluated || m.connected != connected
	m.connected = connected
	m.evaluated = true
	observers := append([]func(bool){}, m.observers...)
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("connectivity changed", "connected", connected)
	for _, f := range observers {
		f(connected)
	}
}
