// Package reachability tracks whether the remote store answers.
package reachability

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/logging"
)

// State is the tri-state probe result.
type State int

const (
	Unknown State = iota
	Reachable
	Unreachable
)

func (s State) String() string {
	switch s {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Prober checks the remote once. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a ping function, such as remote.Gateway.Ping.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

const DefaultTimeout = 5 * time.Second

type Monitor struct {
	prober  Prober
	timeout time.Duration
	log     logging.Logger

	mu        sync.RWMutex
	state     State
	checkedAt time.Time
}

func NewMonitor(p Prober, timeout time.Duration, log logging.Logger) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{prober: p, timeout: timeout, log: logging.OrDiscard(log).With("component", "reachability")}
}

// Check probes now and records the result.
func (m *Monitor) Check(ctx context.Context) State {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	next := Reachable
	if err := m.prober.Probe(pctx); err != nil {
		if ctx.Err() != nil {
			return m.State()
		}
		next = Unreachable
		m.log.Debug(ctx, "remote probe failed", "error", err)
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	m.checkedAt = time.Now()
	m.mu.Unlock()

	if prev != next {
		m.log.Info(ctx, "remote reachability changed", "from", prev, "to", next)
	}
	return next
}

// State returns the last result without probing.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CheckedAt returns when the last probe finished.
func (m *Monitor) CheckedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkedAt
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
