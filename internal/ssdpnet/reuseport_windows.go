//go:build windows

package ssdpnet

import (
	"syscall"
)

// controlReusePort sets SO_REUSEADDR only. Windows has no SO_REUSEPORT
// equivalent usable the same way (matches the platform split documented in
// the corpus's own socket option tests).
func controlReusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
