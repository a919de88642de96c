// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

package vhostuser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// reconnectEntry is a parked, not-yet-completed client connect attempt.
// It owns the non-blocking descriptor until the connect completes or fails
// fatally.
type reconnectEntry struct {
	addr *unix.SockaddrUnix
	fd   int
	sock *Socket
}

// Reconnector retries parked client connects on a fixed interval, one full
// sweep per tick, shared by all reconnecting endpoints. Construct it once
// with NewReconnector, call Start before starting any reconnecting client
// endpoint, and hand it to those endpoints through their Config.
type Reconnector struct {
	interval time.Duration

	mu      sync.Mutex
	entries []*reconnectEntry
}

func NewReconnector() *Reconnector {
	return &Reconnector{interval: time.Second}
}

// Start launches the background sweeper. It runs until ctx is canceled.
func (r *Reconnector) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			r.sweep()
		}
	}()
}

// sweep retries every parked connect once. Completed connects are promoted
// to live connections, fatal failures are dropped, anything else stays
// parked for the next tick.
func (r *Reconnector) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := r.entries[:0]
	for _, e := range r.entries {
		err := connectNonblock(e.fd, e.addr)
		switch {
		case err == nil:
			logrus.Infof("%s: connected", e.sock.path)
			if e.sock.addConnection(e.fd) {
				// Registration lost against a dying connection on the
				// same fd number; retry on the next sweep.
				keep = append(keep, e)
			}
		case errors.Is(err, errConnectAgain):
			keep = append(keep, e)
		default:
			logrus.WithError(err).Errorf("reconnection for fd %d failed", e.fd)
			unix.Close(e.fd)
		}
	}
	r.entries = keep
}

// add parks the socket's connecting descriptor. An endpoint has at most one
// pending entry at a time.
func (r *Reconnector) add(s *Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &reconnectEntry{addr: s.addr, fd: s.fd, sock: s})
}

// remove cancels the pending entry for s, if any, closing its descriptor.
// Reports whether an entry was found.
func (r *Reconnector) remove(s *Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.sock == s {
			unix.Close(e.fd)
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}
