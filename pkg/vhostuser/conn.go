// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

package vhostuser

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// conn is one live session on an endpoint. It exclusively owns its socket
// descriptor and its virtual device until torn down.
type conn struct {
	sock *Socket
	fd   int
	vid  int
}

// addConnection turns an accepted or connected descriptor into a live
// connection. Failures are absorbed locally: the descriptor is closed,
// everything acquired so far is rolled back, and no error surfaces to the
// endpoint owner, so one bad connection cannot take the endpoint down.
//
// The one exception is reported to the caller: retry is true when
// dispatcher registration failed for a reconnecting client, where a dying
// registration may still occupy the fd number. The descriptor stays open
// and must be parked again for a later connect sweep.
func (s *Socket) addConnection(fd int) (retry bool) {
	vid, err := s.devices.NewDevice()
	if err != nil {
		logrus.WithError(err).Errorf("failed to create a device for connection fd %d", fd)
		unix.Close(fd)
		return false
	}

	s.devices.SetIfname(vid, s.path)
	s.devices.SetBuiltinVirtioNet(vid, s.builtinVirtioNet)
	s.devices.AttachVDPADevice(vid, s.vdpaDevice)
	if s.dequeueZeroCopy {
		s.devices.EnableDequeueZeroCopy(vid)
	}

	logrus.Infof("new device, handle is %d", vid)

	if n, ok := s.ops.(ConnectionNotifier); ok {
		if err := n.NewConnection(vid); err != nil {
			logrus.WithError(err).Errorf("failed to add vhost-user connection with fd %d", fd)
			s.devices.DestroyDevice(vid)
			unix.Close(fd)
			return false
		}
	}

	c := &conn{sock: s, fd: fd, vid: vid}
	cb := func(int) bool { return s.readCallback(c) }
	if err := s.disp.Add(fd, cb); err != nil {
		logrus.WithError(err).Errorf("failed to add fd %d to the dispatcher", fd)
		if d, ok := s.ops.(ConnectionDestroyer); ok {
			d.DestroyConnection(vid)
		}
		s.devices.DestroyDevice(vid)
		if s.reconnect {
			// The socket is connected already; once parked again, the
			// next sweep sees EISCONN and retries the registration
			// after the dying one is gone.
			return true
		}
		unix.Close(fd)
		return false
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.disp.Notify()
	return false
}

// readCallback delegates one round of protocol handling. On handler failure
// the connection is fully torn down and, for reconnecting clients, a fresh
// connect attempt is armed.
func (s *Socket) readCallback(c *conn) (removed bool) {
	err := s.handler.HandleMessage(c.vid, c.fd)
	if err == nil {
		return false
	}
	logrus.WithError(err).Infof("vhost-user connection fd %d is going away", c.fd)

	unix.Close(c.fd)

	if dev, ok := s.devices.Device(c.vid); ok {
		dev.NotifyDestroyed()
	}
	if d, ok := s.ops.(ConnectionDestroyer); ok {
		d.DestroyConnection(c.vid)
	}
	s.devices.DestroyDevice(c.vid)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	if s.reconnect {
		if err := s.createSocket(); err != nil {
			logrus.WithError(err).Errorf("failed to re-create the socket for %q", s.path)
		} else {
			// This connection's registration stays in the dispatcher
			// until the callback returns, and the kernel likes to hand
			// the re-created socket the same fd number. Connecting
			// synchronously here could therefore collide with the dying
			// registration, so always park the fresh socket and let the
			// reconnector complete the connect.
			logrus.Infof("%s: reconnecting...", s.path)
			s.reconnector.add(s)
		}
	}
	return true
}
