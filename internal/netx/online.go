// Package netx tracks whether the device has network connectivity at all,
// independently of whether the remote document store answers.
package netx

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/logging"
)

// DialFunc opens a connection; net.Dialer.DialContext fits.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Watcher reports the device online flag by dialing a well-known address.
// A Watcher without an address is always online.
type Watcher struct {
	addr    string
	timeout time.Duration
	dial    DialFunc
	log     logging.Logger

	online atomic.Bool
}

func NewWatcher(addr string, timeout time.Duration, log logging.Logger) *Watcher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := &net.Dialer{}
	w := &Watcher{
		addr:    addr,
		timeout: timeout,
		dial:    d.DialContext,
		log:     logging.OrDiscard(log).With("component", "connectivity"),
	}
	// optimistic until the first check says otherwise
	w.online.Store(true)
	return w
}

// SetDialer replaces the dial function.
func (w *Watcher) SetDialer(d DialFunc) { w.dial = d }

// Online returns the last observed flag.
func (w *Watcher) Online() bool { return w.online.Load() }

// Check dials once and records the result.
func (w *Watcher) Check(ctx context.Context) bool {
	if w.addr == "" {
		return true
	}
	dctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	conn, err := w.dial(dctx, "tcp", w.addr)
	if err != nil && ctx.Err() != nil {
		return w.Online()
	}
	online := err == nil
	if conn != nil {
		_ = conn.Close()
	}
	if prev := w.online.Swap(online); prev != online {
		w.log.Info(ctx, "connectivity changed", "online", online, "error", err)
	}
	return online
}

// Run checks immediately and then every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	if w.addr == "" {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
