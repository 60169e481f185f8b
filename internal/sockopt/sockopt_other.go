//go:build !unix

package sockopt

import (
	"errors"
	"syscall"
)

// Control is a no-op on platforms without setsockopt buffer sizing.
func Control(size int) func(network, address string, c syscall.RawConn) error {
	return nil
}

func Buffers(c syscall.RawConn) (rcv, snd int, err error) {
	return 0, 0, errors.ErrUnsupported
}
