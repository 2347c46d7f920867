//go:build unix

package tcp

import (
	"net"
	"syscall"
)

// setBacklog re-issues listen(2) on the bound socket with the requested
// queue length. Linux and the BSDs accept this on a listening socket.
func setBacklog(ln net.Listener, backlog int) error {
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return errBacklogUnsupported
	}
	raw, err := tl.SyscallConn()
	if err != nil {
		return err
	}
	var listenErr error
	if err := raw.Control(func(fd uintptr) {
		listenErr = syscall.Listen(int(fd), backlog)
	}); err != nil {
		return err
	}
	return listenErr
}
