//go:build !linux

// Package sockopt applies socket options to outgoing scanner connections.
// This stub provides no-op implementations for non-Linux platforms.
package sockopt

import (
	"net"
	"syscall"
)

// DialControl returns nil on non-Linux platforms.
func DialControl() func(network, address string, c syscall.RawConn) error {
	return nil
}

// OptimizeConn is a no-op on non-Linux platforms.
func OptimizeConn(conn net.Conn) error {
	return nil
}
