// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

// Package vhostyaml defines the YAML schema of the vhostd configuration.
package vhostyaml

// Config is the top-level document: the endpoints vhostd serves.
type Config struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

type Mode = string

const (
	ModeServer Mode = "server"
	ModeClient Mode = "client"
)

// Endpoint describes one vhost-user socket.
type Endpoint struct {
	Path string `yaml:"path"`
	Mode Mode   `yaml:"mode,omitempty"` // default: "server"

	// Reconnect re-arms a lost client connection. Default: true for
	// clients. Must not be set for servers.
	Reconnect *bool `yaml:"reconnect,omitempty"`

	BuiltinVirtioNet *bool `yaml:"builtinVirtioNet,omitempty"` // default: true
	DequeueZeroCopy  *bool `yaml:"dequeueZeroCopy,omitempty"`  // default: false

	// VDPADevice is the id of the vDPA device to attach. Default: none.
	VDPADevice *int `yaml:"vdpaDevice,omitempty"`
}
