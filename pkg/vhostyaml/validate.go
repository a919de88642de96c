// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

package vhostyaml

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Socket paths must fit the kernel's sun_path buffer, NUL included.
const maxPathLen = 107

// Validate checks c after defaults have been filled in.
func Validate(c *Config) error {
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	seen := make(map[string]struct{}, len(c.Endpoints))
	for i, e := range c.Endpoints {
		if e.Path == "" {
			return fmt.Errorf("endpoint %d: path is required", i)
		}
		if !filepath.IsAbs(e.Path) {
			return fmt.Errorf("endpoint %d: path %q must be absolute", i, e.Path)
		}
		if len(e.Path) > maxPathLen {
			return fmt.Errorf("endpoint %d: path %q exceeds %d bytes", i, e.Path, maxPathLen)
		}
		if _, ok := seen[e.Path]; ok {
			return fmt.Errorf("endpoint %d: duplicate path %q", i, e.Path)
		}
		seen[e.Path] = struct{}{}
		switch e.Mode {
		case ModeServer, ModeClient:
		default:
			return fmt.Errorf("endpoint %d: mode must be %q or %q, got %q", i, ModeServer, ModeClient, e.Mode)
		}
		if e.Mode == ModeServer && e.Reconnect != nil && *e.Reconnect {
			return fmt.Errorf("endpoint %d: reconnect applies to client endpoints only", i)
		}
	}
	return nil
}
