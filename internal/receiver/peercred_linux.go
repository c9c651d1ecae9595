package receiver

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerCredPID returns the pid of the process on the other end of conn, or
// 0 when the kernel does not say.
func peerCredPID(conn *net.UnixConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0
	}
	var cred *unix.Ucred
	ctlErr := raw.Control(func(fd uintptr) {
		cred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctlErr != nil || err != nil || cred == nil {
		return 0
	}
	return int(cred.Pid)
}
