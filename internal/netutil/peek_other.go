//go:build !linux

package netutil

import "net"

// peekAlive has no portable non-blocking MSG_PEEK outside Linux; callers
// fall back to detecting a dead receiver on the next failed Serialize
// instead (spec §4.5 step 4).
func peekAlive(*net.TCPConn) bool { return true }
