// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

package vhostyaml

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ndragazis/dpdk-next-virtio/pkg/ptr"
)

func TestLoadDefaults(t *testing.T) {
	doc := `
endpoints:
- path: /run/vhost/net0.sock
- path: /run/vhost/net1.sock
  mode: client
- path: /run/vhost/net2.sock
  mode: client
  reconnect: false
  dequeueZeroCopy: true
  vdpaDevice: 3
`
	c, err := Load([]byte(doc))
	assert.NilError(t, err)
	assert.NilError(t, Validate(c))

	assert.DeepEqual(t, c.Endpoints[0], Endpoint{
		Path:             "/run/vhost/net0.sock",
		Mode:             ModeServer,
		BuiltinVirtioNet: ptr.Of(true),
		DequeueZeroCopy:  ptr.Of(false),
		VDPADevice:       ptr.Of(-1),
	})
	assert.DeepEqual(t, c.Endpoints[1], Endpoint{
		Path:             "/run/vhost/net1.sock",
		Mode:             ModeClient,
		Reconnect:        ptr.Of(true),
		BuiltinVirtioNet: ptr.Of(true),
		DequeueZeroCopy:  ptr.Of(false),
		VDPADevice:       ptr.Of(-1),
	})
	assert.DeepEqual(t, c.Endpoints[2], Endpoint{
		Path:             "/run/vhost/net2.sock",
		Mode:             ModeClient,
		Reconnect:        ptr.Of(false),
		BuiltinVirtioNet: ptr.Of(true),
		DequeueZeroCopy:  ptr.Of(true),
		VDPADevice:       ptr.Of(3),
	})
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load([]byte("endpoints:\n- path: /a.sock\n  reconect: true\n"))
	assert.Assert(t, err != nil)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		doc         string
		expectedErr string
	}{
		{
			name:        "no endpoints",
			doc:         "endpoints: []\n",
			expectedErr: "at least one endpoint",
		},
		{
			name:        "missing path",
			doc:         "endpoints:\n- mode: server\n",
			expectedErr: "path is required",
		},
		{
			name:        "relative path",
			doc:         "endpoints:\n- path: net0.sock\n",
			expectedErr: "must be absolute",
		},
		{
			name:        "overlong path",
			doc:         "endpoints:\n- path: /run/" + strings.Repeat("x", 120) + "\n",
			expectedErr: "exceeds 107 bytes",
		},
		{
			name:        "duplicate path",
			doc:         "endpoints:\n- path: /a.sock\n- path: /a.sock\n",
			expectedErr: "duplicate path",
		},
		{
			name:        "bad mode",
			doc:         "endpoints:\n- path: /a.sock\n  mode: peer\n",
			expectedErr: "mode must be",
		},
		{
			name:        "server with reconnect",
			doc:         "endpoints:\n- path: /a.sock\n  reconnect: true\n",
			expectedErr: "client endpoints only",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load([]byte(tt.doc))
			assert.NilError(t, err)
			assert.ErrorContains(t, Validate(c), tt.expectedErr)
		})
	}
}
