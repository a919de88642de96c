// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ndragazis/dpdk-next-virtio/pkg/devreg"
	"github.com/ndragazis/dpdk-next-virtio/pkg/fdchannel"
	"github.com/ndragazis/dpdk-next-virtio/pkg/fdset"
	"github.com/ndragazis/dpdk-next-virtio/pkg/vhostuser"
	"github.com/ndragazis/dpdk-next-virtio/pkg/vhostyaml"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve FILE.yaml",
		Short: "Serve the vhost-user endpoints from a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE:  serveAction,
	}
}

func serveAction(cmd *cobra.Command, args []string) error {
	b, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	c, err := vhostyaml.Load(b)
	if err != nil {
		return fmt.Errorf("failed to load YAML file %q: %w", args[0], err)
	}
	if err := vhostyaml.Validate(c); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	disp, err := fdset.New()
	if err != nil {
		return err
	}
	defer disp.Close()

	registry := devreg.New()
	reconn := vhostuser.NewReconnector()
	reconn.Start(ctx)

	var sockets []*vhostuser.Socket
	defer func() {
		for _, s := range sockets {
			s.Stop()
		}
	}()
	for _, e := range c.Endpoints {
		s, err := vhostuser.NewSocket(vhostuser.Config{
			Path:             e.Path,
			Server:           e.Mode == vhostyaml.ModeServer,
			Reconnect:        e.Reconnect != nil && *e.Reconnect,
			BuiltinVirtioNet: *e.BuiltinVirtioNet,
			DequeueZeroCopy:  *e.DequeueZeroCopy,
			VDPADevice:       *e.VDPADevice,
			Dispatcher:       disp,
			Devices:          registry,
			Handler:          &drainHandler{},
			Reconnector:      reconn,
		})
		if err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			// One endpoint failing to start must not take down the
			// others.
			logrus.WithError(err).Errorf("failed to start endpoint %q", e.Path)
			continue
		}
		sockets = append(sockets, s)
		logrus.Infof("endpoint %q (%s) started", e.Path, e.Mode)
	}
	if len(sockets) == 0 {
		return errors.New("no endpoint could be started")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logrus.Info("shutting down")
	return nil
}

// drainHandler consumes one message per readiness round and discards it,
// closing any descriptors that came along.
//
// TODO: replace with a real vhost-user message handler once the protocol
// state machine package lands.
type drainHandler struct{}

func (*drainHandler) HandleMessage(vid, fd int) error {
	buf := make([]byte, 4096)
	fds := make([]int, 8)
	n, nfds, err := fdchannel.Recv(fd, buf, fds)
	if err != nil {
		return err
	}
	for _, f := range fds[:nfds] {
		unix.Close(f)
	}
	logrus.Debugf("device %d: discarded %d bytes and %d fds", vid, n, nfds)
	return nil
}
