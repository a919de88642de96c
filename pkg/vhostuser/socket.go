// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

package vhostuser

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// errConnectAgain marks a connect attempt that has not completed yet and
// should be retried. It is the deferred-success path, not a failure.
var errConnectAgain = errors.New("connection not yet established")

// Socket is one configured listen-or-dial vhost-user endpoint. It owns the
// listening (or connecting) descriptor and the set of live connections.
type Socket struct {
	path      string
	server    bool
	reconnect bool

	builtinVirtioNet bool
	dequeueZeroCopy  bool
	vdpaDevice       int

	ops         any
	disp        Dispatcher
	devices     DeviceRegistry
	handler     Handler
	reconnector *Reconnector

	mu    sync.Mutex
	conns map[*conn]struct{}

	fd   int
	addr *unix.SockaddrUnix
}

// NewSocket allocates the endpoint and its socket descriptor. The socket is
// not bound or connected until Start.
func NewSocket(cfg Config) (*Socket, error) {
	if cfg.Path == "" {
		return nil, errors.New("socket path is required")
	}
	if len(cfg.Path) > maxPathLen {
		return nil, fmt.Errorf("socket path %q exceeds %d bytes", cfg.Path, maxPathLen)
	}
	if cfg.Server && cfg.Reconnect {
		return nil, errors.New("reconnection applies to client endpoints only")
	}
	if cfg.Dispatcher == nil || cfg.Devices == nil || cfg.Handler == nil {
		return nil, errors.New("dispatcher, device registry and handler are required")
	}
	if cfg.Reconnect && cfg.Reconnector == nil {
		return nil, errors.New("reconnection requires a reconnector")
	}

	s := &Socket{
		path:             cfg.Path,
		server:           cfg.Server,
		reconnect:        cfg.Reconnect,
		builtinVirtioNet: cfg.BuiltinVirtioNet,
		dequeueZeroCopy:  cfg.DequeueZeroCopy,
		vdpaDevice:       cfg.VDPADevice,
		ops:              cfg.Ops,
		disp:             cfg.Dispatcher,
		devices:          cfg.Devices,
		handler:          cfg.Handler,
		reconnector:      cfg.Reconnector,
		conns:            make(map[*conn]struct{}),
		addr:             &unix.SockaddrUnix{Name: cfg.Path},
	}
	if err := s.createSocket(); err != nil {
		return nil, err
	}
	return s, nil
}

// createSocket allocates the endpoint's socket descriptor. Client sockets
// are put in non-blocking mode so that Start can defer an incomplete
// connect to the reconnector.
func (s *Socket) createSocket() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("creating socket for %q: %w", s.path, err)
	}
	logrus.Infof("vhost-user %s %q: socket created, fd %d", s.mode(), s.path, fd)

	if !s.server {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return fmt.Errorf("setting non-blocking mode on fd %d: %w", fd, err)
		}
	}
	s.fd = fd
	return nil
}

func (s *Socket) mode() string {
	if s.server {
		return "server"
	}
	return "client"
}

// Start binds and listens (server mode) or connects (client mode).
func (s *Socket) Start() error {
	if s.server {
		return s.startServer()
	}
	return s.startClient()
}

// startServer binds the socket to the configured path and registers the
// listening descriptor with the dispatcher.
//
// Bind fails if the socket file already exists. The file may belong to
// another process, so it is never deleted here; the operator must ensure
// the path is free before starting a server endpoint.
func (s *Socket) startServer() error {
	if err := unix.Bind(s.fd, s.addr); err != nil {
		unix.Close(s.fd)
		return fmt.Errorf("%w: bind to %q: %v; remove it and try again", ErrBind, s.path, err)
	}
	logrus.Infof("bound to %q", s.path)

	if err := unix.Listen(s.fd, listenBacklog); err != nil {
		unix.Close(s.fd)
		os.Remove(s.path)
		return fmt.Errorf("%w: listen on %q: %v", ErrBind, s.path, err)
	}

	if err := s.disp.Add(s.fd, s.acceptCallback); err != nil {
		unix.Close(s.fd)
		os.Remove(s.path)
		return fmt.Errorf("%w: listen fd %d: %v", ErrDispatch, s.fd, err)
	}
	return nil
}

// acceptCallback accepts one pending connection. Accept failures leave the
// endpoint listening.
func (s *Socket) acceptCallback(fd int) bool {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return false
	}
	logrus.Infof("new vhost-user connection, fd %d", nfd)
	s.addConnection(nfd)
	return false
}

// startClient attempts a non-blocking connect. An incomplete connect is
// parked with the reconnector when reconnection is enabled; that is the
// deferred-success path.
func (s *Socket) startClient() error {
	err := connectNonblock(s.fd, s.addr)
	if err == nil {
		if s.addConnection(s.fd) {
			s.reconnector.add(s)
		}
		return nil
	}

	logrus.WithError(err).Warnf("failed to connect to %q", s.path)

	if !errors.Is(err, errConnectAgain) || !s.reconnect {
		unix.Close(s.fd)
		return fmt.Errorf("%w: %q: %v", ErrConnect, s.path, err)
	}

	logrus.Infof("%s: reconnecting...", s.path)
	s.reconnector.add(s)
	return nil
}

// connectNonblock drives one non-blocking connect attempt. On completion
// (EISCONN included) the descriptor is switched back to blocking mode.
// An unfinished connect is reported as errConnectAgain; failures to query
// or clear the descriptor flags are fatal.
func connectNonblock(fd int, addr *unix.SockaddrUnix) error {
	if err := unix.Connect(fd, addr); err != nil && err != unix.EISCONN {
		return fmt.Errorf("%w: %v", errConnectAgain, err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return fmt.Errorf("clearing non-blocking mode on fd %d: %w", fd, err)
	}
	return nil
}

// Stop tears the endpoint down: the listening descriptor and socket file in
// server mode, any parked reconnect entry in client mode, then every live
// connection.
func (s *Socket) Stop() {
	if s.server {
		s.disp.Del(s.fd)
		unix.Close(s.fd)
		os.Remove(s.path)
	} else if s.reconnect {
		s.reconnector.remove(s)
	}

	// Busy-retry, not a spin: a connection whose read callback is in
	// flight cannot be deregistered without blocking, and that callback
	// may itself need s.mu to remove the connection. Release the lock
	// and sweep again from the top so the callback can make progress.
	for {
		s.mu.Lock()
		retry := false
		for c := range s.conns {
			if err := s.disp.TryDel(c.fd); err != nil {
				retry = true
				break
			}
			logrus.Infof("freeing connection fd %d for %q", c.fd, s.path)
			unix.Close(c.fd)
			s.devices.DestroyDevice(c.vid)
			delete(s.conns, c)
		}
		s.mu.Unlock()
		if !retry {
			return
		}
	}
}
