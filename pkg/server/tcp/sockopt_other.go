// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package tcp

import "syscall"

// control is a no-op where the socket options are not available.
func control(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
