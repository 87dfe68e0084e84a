//go:build linux

package netutil

import (
	"net"

	"golang.org/x/sys/unix"
)

// peekAlive performs a one-byte non-blocking MSG_PEEK: it returns 0 on an
// orderly FIN and does not consume any bytes, which lets
// us tell "no data yet" (EAGAIN) from "peer gone" (n==0, no error) without
// blocking the ingester or a worker on a socket read.
func peekAlive(tcp *net.TCPConn) bool {
	raw, err := tcp.SyscallConn()
	if err != nil {
		return true
	}

	var buf [1]byte
	var n int
	var peekErr error
	if ctrlErr := raw.Control(func(fd uintptr) {
		n, _, peekErr = unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	}); ctrlErr != nil {
		return true
	}

	if peekErr != nil {
		if peekErr == unix.EAGAIN || peekErr == unix.EWOULDBLOCK {
			return true
		}
		return false
	}
	return n != 0
}
