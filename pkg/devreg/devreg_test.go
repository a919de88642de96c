// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

package devreg

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestDeviceLifecycle(t *testing.T) {
	r := New()

	vid0, err := r.NewDevice()
	assert.NilError(t, err)
	vid1, err := r.NewDevice()
	assert.NilError(t, err)
	assert.Assert(t, vid0 != vid1)
	assert.Equal(t, r.Len(), 2)

	r.SetIfname(vid0, "/run/vhost/net0.sock")
	d, ok := r.Lookup(vid0)
	assert.Assert(t, ok)
	assert.Equal(t, d.Ifname(), "/run/vhost/net0.sock")

	r.DestroyDevice(vid0)
	assert.Equal(t, r.Len(), 1)
	_, ok = r.Device(vid0)
	assert.Assert(t, !ok)

	// Ids are not reused.
	vid2, err := r.NewDevice()
	assert.NilError(t, err)
	assert.Assert(t, vid2 != vid0)
	assert.Assert(t, vid2 != vid1)
}

func TestDestroyUnknownDevice(t *testing.T) {
	r := New()
	r.DestroyDevice(42) // no-op
	assert.Equal(t, r.Len(), 0)
}
