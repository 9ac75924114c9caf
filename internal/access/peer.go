package access

import (
	"errors"
	"net/netip"
)

// Family is the transport address family of a connected peer.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyIPv4
	FamilyIPv6
	FamilyUnix
	FamilyVsock
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	case FamilyUnix:
		return "unix"
	case FamilyVsock:
		return "vsock"
	default:
		return "unknown"
	}
}

// ErrNotAvailable is returned by Peer lookups that do not apply to the
// peer's transport.
var ErrNotAvailable = errors.New("not available for this transport")

// Credentials are the process credentials of a unix-domain peer.
type Credentials struct {
	PID int64
	UID int64
	GID int64
}

// Peer exposes the facts about a connection's far end that rules match on.
//
// Lookups are allowed to be lazy and to fail. A failed lookup makes the rule
// that needed it not match; it never aborts evaluation.
type Peer interface {
	Family() Family
	// Addr is the IP address for IPv4 and IPv6 peers. IPv4 addresses are
	// unmapped.
	Addr() netip.Addr
	Credentials() (Credentials, error)
	// Vsock returns the context ID and port of a vsock peer.
	Vsock() (cid, port uint32, ok bool)
	SecurityLabel() (string, error)
	// SubjectDN and IssuerDN return the empty string when no verified client
	// certificate is available.
	SubjectDN() string
	IssuerDN() string
}
