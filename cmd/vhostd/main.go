// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

// vhostd hosts vhost-user endpoints described by a YAML configuration file.
package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ndragazis/dpdk-next-virtio/pkg/version"
)

func main() {
	if err := newApp().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newApp() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "vhostd",
		Short:   "vhostd: vhost-user endpoint daemon",
		Version: strings.TrimPrefix(version.Version, "v"),
		Example: `  Serve the endpoints from a config:
  $ vhostd serve /etc/vhostd/vhostd.yaml

  Validate a config without serving:
  $ vhostd validate /etc/vhostd/vhostd.yaml`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	rootCmd.PersistentFlags().String("log-level", "", "Set the logging level [trace, debug, info, warn, error]")
	rootCmd.PersistentFlags().String("log-format", "text", "Set the logging format [text, json]")
	rootCmd.PersistentFlags().Bool("debug", false, "Debug mode")
	rootCmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		return processGlobalFlags(rootCmd)
	}
	rootCmd.AddCommand(
		newServeCommand(),
		newValidateCommand(),
	)
	return rootCmd
}

func processGlobalFlags(rootCmd *cobra.Command) error {
	// --log-level will override --debug
	if debug, _ := rootCmd.Flags().GetBool("debug"); debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	l, _ := rootCmd.Flags().GetString("log-level")
	if l != "" {
		lvl, err := logrus.ParseLevel(l)
		if err != nil {
			return err
		}
		logrus.SetLevel(lvl)
	}

	logFormat, _ := rootCmd.Flags().GetString("log-format")
	switch logFormat {
	case "json":
		logrus.StandardLogger().SetFormatter(new(logrus.JSONFormatter))
	case "text":
		// logrus uses text format by default.
	default:
		return fmt.Errorf("unsupported log-format: %q", logFormat)
	}
	return nil
}
