// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

// Package fdset multiplexes read-readiness over a set of file descriptors
// and invokes a per-descriptor callback from a single event-loop goroutine.
// Callbacks may deregister their own descriptor by returning true; other
// goroutines deregister with Del (blocking) or TryDel (fails while the
// callback is in flight).
package fdset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrBusy is returned by TryDel while the descriptor's callback is running.
var ErrBusy = errors.New("callback in flight")

// Callback handles one read-readiness event. Returning true asks the fdset
// to drop the registration; the callback owner is expected to have closed
// the descriptor already.
type Callback func(fd int) (removed bool)

type entry struct {
	cb   Callback
	busy bool
}

// FdSet is an epoll-backed readiness dispatcher.
type FdSet struct {
	epfd int

	// wakeR/wakeW form the self-pipe used by Notify.
	wakeR, wakeW int

	mu      sync.Mutex
	entries map[int]*entry
	closed  bool
}

// New creates an FdSet. The event loop does not run until Run is called.
func New() (*FdSet, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	f := &FdSet{
		epfd:    epfd,
		wakeR:   p[0],
		wakeW:   p[1],
		entries: make(map[int]*entry),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(f.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, f.wakeR, &ev); err != nil {
		f.Close()
		return nil, fmt.Errorf("registering wake pipe: %w", err)
	}
	return f, nil
}

// Add registers fd for read-readiness.
func (f *FdSet) Add(fd int, cb Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fdset is closed")
	}
	if _, ok := f.entries[fd]; ok {
		return fmt.Errorf("fd %d is already registered", fd)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(f.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	f.entries[fd] = &entry{cb: cb}
	return nil
}

// Del deregisters fd, blocking until its callback is not in flight.
// Deleting an unregistered fd is a no-op.
func (f *FdSet) Del(fd int) {
	for {
		f.mu.Lock()
		e, ok := f.entries[fd]
		if !ok {
			f.mu.Unlock()
			return
		}
		if !e.busy {
			f.unregister(fd)
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
		time.Sleep(50 * time.Microsecond)
	}
}

// TryDel deregisters fd. It fails with ErrBusy instead of blocking if the
// callback for fd is currently executing. Deleting an unregistered fd
// succeeds.
func (f *FdSet) TryDel(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[fd]
	if !ok {
		return nil
	}
	if e.busy {
		return ErrBusy
	}
	f.unregister(fd)
	return nil
}

// unregister drops fd from the epoll set and the entry map. Callers hold f.mu.
func (f *FdSet) unregister(fd int) {
	// The owner may have closed fd already, which removes it from the
	// epoll set on its own; EBADF here is expected.
	if err := unix.EpollCtl(f.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.EBADF {
		logrus.WithError(err).Debugf("epoll_ctl del fd %d", fd)
	}
	delete(f.entries, fd)
}

// Notify wakes the event loop so that it re-evaluates registrations promptly.
func (f *FdSet) Notify() {
	// A full pipe already guarantees a pending wakeup.
	_, err := unix.Write(f.wakeW, []byte{0})
	if err != nil && err != unix.EAGAIN {
		logrus.WithError(err).Debug("failed to write to the wake pipe")
	}
}

// Run executes the event loop until ctx is canceled.
func (f *FdSet) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		f.Notify()
	}()

	events := make([]unix.EpollEvent, 128)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.EpollWait(f.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == f.wakeR {
				f.drainWakePipe()
				continue
			}
			f.dispatch(fd)
		}
	}
}

// dispatch runs the callback for one ready descriptor. The busy flag stays
// set until any removal requested by the callback has been processed, so
// TryDel cannot observe a half-torn-down registration.
func (f *FdSet) dispatch(fd int) {
	f.mu.Lock()
	e, ok := f.entries[fd]
	if !ok {
		// Deregistered between epoll_wait and now.
		f.mu.Unlock()
		return
	}
	e.busy = true
	f.mu.Unlock()

	removed := e.cb(fd)

	f.mu.Lock()
	if removed {
		f.unregister(fd)
	}
	e.busy = false
	f.mu.Unlock()
}

func (f *FdSet) drainWakePipe() {
	buf := make([]byte, 64)
	for {
		if _, err := unix.Read(f.wakeR, buf); err != nil {
			return
		}
	}
}

// Close releases the epoll descriptor and the wake pipe. It must not be
// called while Run is still executing.
func (f *FdSet) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	unix.Close(f.wakeR)
	unix.Close(f.wakeW)
	return unix.Close(f.epfd)
}
