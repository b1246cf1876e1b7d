//go:build linux

// Package sockopt applies socket options to outgoing scanner connections.
// On Linux the options are set before connect() through the dialer control
// hook.
package sockopt

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// DialControl returns a control function for net.Dialer.
// SO_REUSEADDR lets long scans recycle local ports stuck in TIME_WAIT;
// TCP_NODELAY keeps small request writes from being delayed.
//
//	dialer := &net.Dialer{
//	    Control: sockopt.DialControl(),
//	}
func DialControl() func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var setErr error
		err := c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				setErr = err
				return
			}
			// Non-fatal
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		})
		if err != nil {
			return err
		}
		return setErr
	}
}

// OptimizeConn enables TCP keep-alive probes on an established connection so
// idle pooled sockets that the peer dropped are noticed sooner.
func OptimizeConn(conn net.Conn) error {
	if conn == nil {
		return nil
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, skip
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}

	var setErr error
	err = rawConn.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			setErr = err
			return
		}
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 60)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 6)
	})
	if err != nil {
		return err
	}
	return setErr
}
