// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

// Package devreg provides an in-memory device registry: one record per live
// virtual device, keyed by a process-unique device id. It satisfies
// vhostuser.DeviceRegistry.
package devreg

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ndragazis/dpdk-next-virtio/pkg/vhostuser"
)

// Device is one virtual device record.
type Device struct {
	vid int

	mu               sync.Mutex
	ifname           string
	builtinVirtioNet bool
	dequeueZeroCopy  bool
	vdpaDevice       int
}

// VID returns the device id.
func (d *Device) VID() int { return d.vid }

// Ifname returns the identifying name set from the endpoint path.
func (d *Device) Ifname() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ifname
}

// NotifyDestroyed implements vhostuser.Device.
func (d *Device) NotifyDestroyed() {
	logrus.Infof("device %d (%s) is going away", d.vid, d.Ifname())
}

// Registry allocates and tracks Devices.
type Registry struct {
	mu      sync.Mutex
	nextVID int
	devices map[int]*Device
}

func New() *Registry {
	return &Registry{devices: make(map[int]*Device)}
}

// NewDevice allocates a fresh device id. Ids are never reused within the
// process.
func (r *Registry) NewDevice() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vid := r.nextVID
	r.nextVID++
	r.devices[vid] = &Device{vid: vid, vdpaDevice: -1}
	return vid, nil
}

// DestroyDevice drops the record for vid. Unknown ids are ignored.
func (r *Registry) DestroyDevice(vid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, vid)
}

// Device implements vhostuser.DeviceRegistry.
func (r *Registry) Device(vid int) (vhostuser.Device, bool) {
	d, ok := r.lookup(vid)
	if !ok {
		return nil, false
	}
	return d, true
}

// Lookup returns the concrete record for vid.
func (r *Registry) Lookup(vid int) (*Device, bool) {
	return r.lookup(vid)
}

func (r *Registry) lookup(vid int) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[vid]
	return d, ok
}

// Len returns the number of live devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

func (r *Registry) SetIfname(vid int, ifname string) {
	if d, ok := r.lookup(vid); ok {
		d.mu.Lock()
		d.ifname = ifname
		d.mu.Unlock()
	}
}

func (r *Registry) SetBuiltinVirtioNet(vid int, enable bool) {
	if d, ok := r.lookup(vid); ok {
		d.mu.Lock()
		d.builtinVirtioNet = enable
		d.mu.Unlock()
	}
}

func (r *Registry) AttachVDPADevice(vid, did int) {
	if d, ok := r.lookup(vid); ok {
		d.mu.Lock()
		d.vdpaDevice = did
		d.mu.Unlock()
	}
}

func (r *Registry) EnableDequeueZeroCopy(vid int) {
	if d, ok := r.lookup(vid); ok {
		d.mu.Lock()
		d.dequeueZeroCopy = true
		d.mu.Unlock()
	}
}
