//go:build unix

package sockopt

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Control returns a net.ListenConfig control hook that sizes the socket's
// kernel receive and send buffers to size bytes. The kernel may clamp the
// value (net.core.rmem_max / wmem_max). A size <= 0 returns nil.
func Control(size int) func(network, address string, c syscall.RawConn) error {
	if size <= 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size); opErr != nil {
				opErr = fmt.Errorf("SO_RCVBUF: %w", opErr)
				return
			}
			if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size); opErr != nil {
				opErr = fmt.Errorf("SO_SNDBUF: %w", opErr)
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}

// Buffers reports the kernel receive and send buffer sizes of a socket.
func Buffers(c syscall.RawConn) (rcv, snd int, err error) {
	var opErr error
	err = c.Control(func(fd uintptr) {
		rcv, opErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		if opErr != nil {
			return
		}
		snd, opErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if err != nil {
		return 0, 0, err
	}
	return rcv, snd, opErr
}
