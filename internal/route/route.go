// Package route discovers local IPv4 interfaces and decides whether a peer's
// private address sits on a directly reachable subnet, enabling the LAN
// shortcut that bypasses NAT punching entirely.
package route

import (
	"net"

	"github.com/wirehole/wirehole/internal/protocol"
)

// MaxEntries bounds the interface table.
const MaxEntries = 8

// Entry is one usable local interface address.
type Entry struct {
	IP   net.IP
	Mask net.IPMask
}

// Table holds the enumerated local IPv4 interfaces.
type Table struct {
	entries []Entry
}

// Discover enumerates up, non-loopback IPv4 interfaces (at most MaxEntries).
func Discover() *Table {
	t := &Table{}
	ifaces, err := net.Interfaces()
	if err != nil {
		return t
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			t.entries = append(t.entries, Entry{IP: ip4, Mask: ipnet.Mask})
			if len(t.entries) >= MaxEntries {
				return t
			}
		}
	}
	return t
}

// Entries returns the discovered interface addresses.
func (t *Table) Entries() []Entry { return t.entries }

// SameSubnet reports whether any local entry shares a subnet with the
// peer's private address: (local & mask) == (peer & mask).
func (t *Table) SameSubnet(peer protocol.Endpoint) bool {
	peerIP := net.IP(peer.IP[:])
	for _, e := range t.entries {
		if e.IP.Mask(e.Mask).Equal(peerIP.Mask(e.Mask)) {
			return true
		}
	}
	return false
}

// HostEndpoints maps the table onto host candidates for the given bound
// UDP port.
func (t *Table) HostEndpoints(port uint16) []protocol.Endpoint {
	eps := make([]protocol.Endpoint, 0, len(t.entries))
	for _, e := range t.entries {
		var ep protocol.Endpoint
		copy(ep.IP[:], e.IP)
		ep.Port = port
		eps = append(eps, ep)
	}
	return eps
}
