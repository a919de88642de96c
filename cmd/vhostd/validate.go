// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ndragazis/dpdk-next-virtio/pkg/vhostyaml"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE.yaml [FILE.yaml, ...]",
		Short: "Validate configuration files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  validateAction,
	}
}

func validateAction(_ *cobra.Command, args []string) error {
	for _, f := range args {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		c, err := vhostyaml.Load(b)
		if err != nil {
			return fmt.Errorf("failed to load YAML file %q: %w", f, err)
		}
		if err := vhostyaml.Validate(c); err != nil {
			return fmt.Errorf("%q: %w", f, err)
		}
		logrus.Infof("%q: OK", f)
	}
	return nil
}
