// SPDX-FileCopyrightText: Copyright The dpdk-next-virtio Authors
// SPDX-License-Identifier: Apache-2.0

// Package fdchannel exchanges byte buffers together with file descriptors
// over a connected AF_UNIX socket, one sendmsg/recvmsg call at a time.
// Message framing is the caller's concern.
package fdchannel

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrIO indicates a failed or peer-closed socket operation.
	ErrIO = errors.New("socket I/O failure")

	// ErrTruncated indicates that the kernel truncated the payload or the
	// control data. The message cannot be recovered and the connection
	// must be torn down, not retried.
	ErrTruncated = errors.New("truncated message")
)

// Recv performs one ancillary-data receive on sockfd. The payload goes into
// buf, and up to len(fds) descriptors found in an SCM_RIGHTS control record
// are copied into fds. Unused slots in fds are always set to -1. Returns the
// payload length and the number of descriptors received.
//
// An orderly close by the peer is reported as ErrIO, as is a failed recvmsg.
// If the kernel flags the payload or the control data as truncated, or the
// message carries more descriptors than fds has room for, Recv fails with
// ErrTruncated and any descriptors the kernel already installed are closed.
func Recv(sockfd int, buf []byte, fds []int) (n, nfds int, err error) {
	for i := range fds {
		fds[i] = -1
	}

	oob := make([]byte, unix.CmsgSpace(len(fds)*4))
	n, oobn, flags, _, err := unix.Recvmsg(sockfd, buf, oob, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: recvmsg: %v", ErrIO, err)
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: connection closed by peer", ErrIO)
	}

	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		closeReceived(oob[:oobn])
		return 0, 0, fmt.Errorf("%w: MSG_TRUNC or MSG_CTRUNC set", ErrTruncated)
	}

	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return 0, 0, fmt.Errorf("parsing control messages: %w", err)
		}
		for i := range msgs {
			if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
				continue
			}
			got, err := unix.ParseUnixRights(&msgs[i])
			if err != nil {
				return 0, 0, fmt.Errorf("parsing SCM_RIGHTS: %w", err)
			}
			if len(got) > len(fds) {
				// Alignment padding in the control buffer can fit
				// one more descriptor than requested without the
				// kernel flagging MSG_CTRUNC. The message carried
				// more descriptors than the caller can take, so it
				// is truncated all the same.
				for _, fd := range got {
					unix.Close(fd)
				}
				return 0, 0, fmt.Errorf("%w: received %d descriptors, capacity %d", ErrTruncated, len(got), len(fds))
			}
			nfds = copy(fds, got)
			break
		}
	}

	return n, nfds, nil
}

// Send performs one ancillary-data send on sockfd, attaching fds (if any) as
// a single SCM_RIGHTS record. Interrupted calls are retried; a broken pipe
// comes back as ErrIO rather than a SIGPIPE. Returns the number of payload
// bytes written, which may be less than len(buf).
func Send(sockfd int, buf []byte, fds []int) (int, error) {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	for {
		n, err := unix.SendmsgN(sockfd, buf, oob, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: sendmsg: %v", ErrIO, err)
		}
		return n, nil
	}
}

// closeReceived closes descriptors the kernel installed for a message that is
// being discarded, so a malformed transfer cannot leak them.
func closeReceived(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range got {
			unix.Close(fd)
		}
	}
}
