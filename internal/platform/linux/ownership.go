//go:build linux

package linux

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"bearguard/internal/packet"
	"bearguard/internal/platform"
)

// SocketOwners looks connection owners up through NETLINK_INET_DIAG.
type SocketOwners struct{}

// OwnerUID returns the account owning the socket bound to the given tuple.
// Only TCP and UDP sockets can be looked up.
func (SocketOwners) OwnerUID(proto packet.Protocol, localAddr string, localPort uint16, remoteAddr string, remotePort uint16) (int, error) {
	lip, rip := net.ParseIP(localAddr), net.ParseIP(remoteAddr)
	if lip == nil || rip == nil {
		return -1, fmt.Errorf("invalid address %q/%q", localAddr, remoteAddr)
	}

	var local, remote net.Addr
	switch proto {
	case packet.ProtocolTCP:
		local = &net.TCPAddr{IP: lip, Port: int(localPort)}
		remote = &net.TCPAddr{IP: rip, Port: int(remotePort)}
	case packet.ProtocolUDP:
		local = &net.UDPAddr{IP: lip, Port: int(localPort)}
		remote = &net.UDPAddr{IP: rip, Port: int(remotePort)}
	default:
		return -1, platform.ErrUnsupported
	}

	sock, err := netlink.SocketGet(local, remote)
	if err != nil {
		return -1, err
	}
	return int(sock.UID), nil
}
