//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package broadcast

import "syscall"

// The runtime already enables SO_BROADCAST on datagram sockets; port reuse
// is not available here, so only one node per host can listen.
func controlBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
