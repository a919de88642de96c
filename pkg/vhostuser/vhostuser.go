// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

// Package vhostuser implements the connection transport of a vhost-user
// endpoint: the AF_UNIX socket lifecycle in server and client mode, the
// bookkeeping that ties each live connection to a virtual device, and
// automatic reconnection for client endpoints.
//
// The vhost-user message parser, the virtual-device lifecycle and the
// readiness dispatcher are external collaborators, consumed through the
// Handler, DeviceRegistry and Dispatcher interfaces.
package vhostuser

import (
	"errors"

	"github.com/ndragazis/dpdk-next-virtio/pkg/fdset"
)

// Socket paths must fit the kernel's sun_path buffer, NUL included.
const maxPathLen = 107

var (
	// ErrBind indicates a failed bind or listen during server startup.
	ErrBind = errors.New("binding the vhost-user socket failed")

	// ErrConnect indicates a fatal, non-retryable client connect failure.
	ErrConnect = errors.New("connecting the vhost-user socket failed")

	// ErrDispatch indicates that registering a descriptor with the
	// readiness dispatcher failed.
	ErrDispatch = errors.New("dispatcher registration failed")
)

// Dispatcher is the readiness-event loop the transport registers its
// descriptors with. *fdset.FdSet satisfies it.
type Dispatcher interface {
	Add(fd int, cb fdset.Callback) error
	// Del blocks until the callback for fd is not in flight.
	Del(fd int)
	// TryDel fails instead of blocking while the callback for fd runs.
	TryDel(fd int) error
	// Notify makes the dispatcher re-evaluate registrations promptly.
	Notify()
}

// Device is a live virtual device looked up from a DeviceRegistry.
type Device interface {
	// NotifyDestroyed informs device-status observers that the device is
	// going away.
	NotifyDestroyed()
}

// DeviceRegistry creates and destroys the virtual device backing each
// connection.
type DeviceRegistry interface {
	NewDevice() (vid int, err error)
	DestroyDevice(vid int)
	Device(vid int) (Device, bool)
	SetIfname(vid int, ifname string)
	SetBuiltinVirtioNet(vid int, enable bool)
	AttachVDPADevice(vid, did int)
	EnableDequeueZeroCopy(vid int)
}

// Handler performs one round of vhost-user protocol handling on a ready
// connection. It does its own framed reads and writes, typically through
// pkg/fdchannel. A returned error (including EOF) tears the connection down.
type Handler interface {
	HandleMessage(vid, fd int) error
}

// ConnectionNotifier is an optional capability of Config.Ops: it is told
// about each new connection and may veto it by returning an error.
type ConnectionNotifier interface {
	NewConnection(vid int) error
}

// ConnectionDestroyer is an optional capability of Config.Ops: it is told
// when a connection's device is being destroyed.
type ConnectionDestroyer interface {
	DestroyConnection(vid int)
}

// Config describes one endpoint. Path, Server and Reconnect are immutable
// after NewSocket.
type Config struct {
	// Path is the filesystem path of the AF_UNIX socket.
	Path string

	// Server selects listen-and-accept mode; otherwise the endpoint
	// connects as a client.
	Server bool

	// Reconnect re-arms a client endpoint whenever its connection is
	// lost or cannot be established yet. Requires Reconnector.
	Reconnect bool

	// Device options applied to every device created for this endpoint.
	BuiltinVirtioNet bool
	DequeueZeroCopy  bool
	// VDPADevice is the vDPA device id to attach, -1 for none.
	VDPADevice int

	// Ops optionally implements ConnectionNotifier and/or
	// ConnectionDestroyer.
	Ops any

	Dispatcher  Dispatcher
	Devices     DeviceRegistry
	Handler     Handler
	Reconnector *Reconnector
}
