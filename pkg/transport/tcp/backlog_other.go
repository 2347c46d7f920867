//go:build !unix

package tcp

import "net"

func setBacklog(ln net.Listener, backlog int) error {
	return errBacklogUnsupported
}
