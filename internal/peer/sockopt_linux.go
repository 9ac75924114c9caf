package peer

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/polisai/blockgate/internal/access"
)

func control(conn net.Conn, fn func(fd int)) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return access.ErrNotAvailable
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("raw conn: %w", err)
	}
	return raw.Control(func(fd uintptr) { fn(int(fd)) })
}

func peerCredentials(conn net.Conn) (access.Credentials, error) {
	var (
		ucred *unix.Ucred
		gerr  error
	)
	if err := control(conn, func(fd int) {
		ucred, gerr = unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return access.Credentials{}, err
	}
	if gerr != nil {
		return access.Credentials{}, fmt.Errorf("SO_PEERCRED: %w", gerr)
	}
	return access.Credentials{
		PID: int64(ucred.Pid),
		UID: int64(ucred.Uid),
		GID: int64(ucred.Gid),
	}, nil
}

func peerSecurityLabel(conn net.Conn) (string, error) {
	var (
		label string
		gerr  error
	)
	if err := control(conn, func(fd int) {
		label, gerr = unix.GetsockoptString(fd, unix.SOL_SOCKET, unix.SO_PEERSEC)
	}); err != nil {
		return "", err
	}
	if gerr != nil {
		return "", fmt.Errorf("SO_PEERSEC: %w", gerr)
	}
	return label, nil
}
