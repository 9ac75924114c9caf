// Package peer builds access.Peer descriptors for accepted connections.
package peer

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/mdlayher/vsock"

	"github.com/polisai/blockgate/internal/access"
)

// Identity is the TLS identity of a negotiated connection.
type Identity interface {
	PeerDN() string
	PeerIssuerDN() string
}

// Descriptor describes the far end of one connection. Credential and
// security-label lookups hit the socket at most once and only when a rule
// asks for them.
type Descriptor struct {
	conn   net.Conn
	family access.Family
	addr   netip.Addr
	port   uint32
	cid    uint32

	identity Identity

	credOnce sync.Once
	creds    access.Credentials
	credErr  error

	labelOnce sync.Once
	label     string
	labelErr  error
}

var _ access.Peer = (*Descriptor)(nil)

// Describe inspects conn's remote address. It fails when the address is
// missing or belongs to a transport that cannot be matched on, such as a
// pipe.
func Describe(conn net.Conn) (*Descriptor, error) {
	d := &Descriptor{conn: conn}

	switch a := conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		if a == nil {
			return nil, fmt.Errorf("peer address unavailable")
		}
		ap := a.AddrPort()
		d.addr = ap.Addr().Unmap()
		d.port = uint32(ap.Port())
		if d.addr.Is4() {
			d.family = access.FamilyIPv4
		} else {
			d.family = access.FamilyIPv6
		}
	case *net.UnixAddr:
		d.family = access.FamilyUnix
	case *vsock.Addr:
		if a == nil {
			return nil, fmt.Errorf("peer address unavailable")
		}
		d.family = access.FamilyVsock
		d.cid = a.ContextID
		d.port = a.Port
	case nil:
		return nil, fmt.Errorf("peer address unavailable")
	default:
		return nil, fmt.Errorf("unsupported peer address family %q", a.Network())
	}
	return d, nil
}

// SetIdentity attaches the negotiated TLS identity.
func (d *Descriptor) SetIdentity(id Identity) { d.identity = id }

func (d *Descriptor) Family() access.Family { return d.family }
func (d *Descriptor) Addr() netip.Addr      { return d.addr }

// Port is the TCP or vsock port of the peer.
func (d *Descriptor) Port() uint32 { return d.port }

func (d *Descriptor) Vsock() (uint32, uint32, bool) {
	return d.cid, d.port, d.family == access.FamilyVsock
}

func (d *Descriptor) Credentials() (access.Credentials, error) {
	if d.family != access.FamilyUnix {
		return access.Credentials{}, access.ErrNotAvailable
	}
	d.credOnce.Do(func() {
		d.creds, d.credErr = peerCredentials(d.conn)
	})
	return d.creds, d.credErr
}

func (d *Descriptor) SecurityLabel() (string, error) {
	switch d.family {
	case access.FamilyUnix, access.FamilyIPv4, access.FamilyIPv6:
	default:
		return "", access.ErrNotAvailable
	}
	d.labelOnce.Do(func() {
		d.label, d.labelErr = peerSecurityLabel(d.conn)
	})
	return d.label, d.labelErr
}

func (d *Descriptor) SubjectDN() string {
	if d.identity == nil {
		return ""
	}
	return d.identity.PeerDN()
}

func (d *Descriptor) IssuerDN() string {
	if d.identity == nil {
		return ""
	}
	return d.identity.PeerIssuerDN()
}

// String renders the peer for logs.
func (d *Descriptor) String() string {
	switch d.family {
	case access.FamilyIPv4, access.FamilyIPv6:
		return netip.AddrPortFrom(d.addr, uint16(d.port)).String()
	case access.FamilyVsock:
		return fmt.Sprintf("vsock:%d:%d", d.cid, d.port)
	case access.FamilyUnix:
		return "unix"
	}
	return "unknown"
}
