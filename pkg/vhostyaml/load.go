// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

package vhostyaml

import (
	"github.com/goccy/go-yaml"

	"github.com/ndragazis/dpdk-next-virtio/pkg/ptr"
)

// Load loads the yaml and fulfills unspecified fields with the default
// values.
//
// Load does not validate. Use Validate for validation.
func Load(b []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalWithOptions(b, &c, yaml.Strict()); err != nil {
		return nil, err
	}
	FillDefault(&c)
	return &c, nil
}

// FillDefault sets the documented defaults on unspecified fields.
func FillDefault(c *Config) {
	for i := range c.Endpoints {
		e := &c.Endpoints[i]
		if e.Mode == "" {
			e.Mode = ModeServer
		}
		if e.Reconnect == nil && e.Mode == ModeClient {
			e.Reconnect = ptr.Of(true)
		}
		if e.BuiltinVirtioNet == nil {
			e.BuiltinVirtioNet = ptr.Of(true)
		}
		if e.DequeueZeroCopy == nil {
			e.DequeueZeroCopy = ptr.Of(false)
		}
		if e.VDPADevice == nil {
			e.VDPADevice = ptr.Of(-1)
		}
	}
}
