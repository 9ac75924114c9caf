//go:build !linux

package peer

import (
	"net"

	"github.com/polisai/blockgate/internal/access"
)

func peerCredentials(net.Conn) (access.Credentials, error) {
	return access.Credentials{}, access.ErrNotAvailable
}

func peerSecurityLabel(net.Conn) (string, error) {
	return "", access.ErrNotAvailable
}
