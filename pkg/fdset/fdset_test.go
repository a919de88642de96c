// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

package fdset

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func newRunning(t *testing.T) *FdSet {
	t.Helper()
	f, err := New()
	assert.NilError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		f.Close()
	})
	return f
}

func pipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	assert.NilError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestCallbackDispatch(t *testing.T) {
	f := newRunning(t)
	r, w := pipe(t)

	fired := make(chan int, 1)
	assert.NilError(t, f.Add(r, func(fd int) bool {
		buf := make([]byte, 16)
		unix.Read(fd, buf)
		fired <- fd
		return false
	}))

	_, err := unix.Write(w, []byte("x"))
	assert.NilError(t, err)

	select {
	case fd := <-fired:
		assert.Equal(t, fd, r)
	case <-time.After(3 * time.Second):
		t.Fatal("callback did not fire")
	}
}

func TestAddDuplicate(t *testing.T) {
	f := newRunning(t)
	r, _ := pipe(t)

	assert.NilError(t, f.Add(r, func(int) bool { return false }))
	err := f.Add(r, func(int) bool { return false })
	assert.ErrorContains(t, err, "already registered")
}

func TestTryDelWhileCallbackInFlight(t *testing.T) {
	f := newRunning(t)
	r, w := pipe(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	assert.NilError(t, f.Add(r, func(fd int) bool {
		buf := make([]byte, 16)
		unix.Read(fd, buf)
		close(entered)
		<-release
		return false
	}))

	_, err := unix.Write(w, []byte("x"))
	assert.NilError(t, err)
	<-entered

	assert.ErrorIs(t, f.TryDel(r), ErrBusy)
	close(release)

	// Once the callback returns, TryDel succeeds.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := f.TryDel(r); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("TryDel kept failing after the callback returned")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDelBlocksUntilQuiescent(t *testing.T) {
	f := newRunning(t)
	r, w := pipe(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	assert.NilError(t, f.Add(r, func(fd int) bool {
		buf := make([]byte, 16)
		unix.Read(fd, buf)
		close(entered)
		<-release
		return false
	}))

	_, err := unix.Write(w, []byte("x"))
	assert.NilError(t, err)
	<-entered

	delDone := make(chan struct{})
	go func() {
		defer close(delDone)
		f.Del(r)
	}()

	select {
	case <-delDone:
		t.Fatal("Del returned while the callback was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-delDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Del did not return after the callback finished")
	}
}

func TestCallbackRequestsRemoval(t *testing.T) {
	f := newRunning(t)
	r, w := pipe(t)

	calls := make(chan struct{}, 8)
	assert.NilError(t, f.Add(r, func(fd int) bool {
		buf := make([]byte, 16)
		unix.Read(fd, buf)
		calls <- struct{}{}
		return true
	}))

	_, err := unix.Write(w, []byte("x"))
	assert.NilError(t, err)
	<-calls

	// The registration is gone: more traffic must not invoke the callback.
	_, err = unix.Write(w, []byte("y"))
	assert.NilError(t, err)
	select {
	case <-calls:
		t.Fatal("callback fired after requesting removal")
	case <-time.After(100 * time.Millisecond):
	}
	assert.NilError(t, f.TryDel(r))
}
