// Package ssdp implements the SSDP wire protocol: address-mode constants,
// message parsing/serialization, and LOCATION validation. It has no
// knowledge of sockets or schedulers — that lives in internal/ssdpnet —
// so it can be unit tested without opening real network resources.
package ssdp

import (
	"fmt"
	"net"

	"github.com/upnpgo/upnpcp/internal/uerrors"
)

// AddressMode selects which SSDP multicast family a Datagram Server binds
// to. UPnP 1.1 defines one group per family; control points typically run
// one Server per (interface, AddressMode, role).
type AddressMode int

const (
	// ModeIPv4 is the original UPnP 1.0 multicast group.
	ModeIPv4 AddressMode = iota
	// ModeIPv6LinkLocal is the UPnP 1.1 IPv6 link-local multicast group.
	ModeIPv6LinkLocal
)

const (
	// Port is the well-known SSDP port shared by both address families.
	Port = 1900

	multicastIPv4 = "239.255.255.250"
	multicastIPv6 = "ff02::c"
)

// String returns the mode name, used in diagnostic thread/task names.
func (m AddressMode) String() string {
	switch m {
	case ModeIPv4:
		return "ipv4"
	case ModeIPv6LinkLocal:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Network returns the net package network name ("udp4"/"udp6") for dialing
// and listening calls in internal/ssdpnet.
func (m AddressMode) Network() string {
	if m == ModeIPv6LinkLocal {
		return "udp6"
	}
	return "udp4"
}

// GroupAddress returns the multicast group IP for this mode.
func (m AddressMode) GroupAddress() net.IP {
	if m == ModeIPv6LinkLocal {
		return net.ParseIP(multicastIPv6)
	}
	return net.ParseIP(multicastIPv4)
}

// SocketAddress returns the group address with the SSDP port attached.
func (m AddressMode) SocketAddress() *net.UDPAddr {
	return &net.UDPAddr{IP: m.GroupAddress(), Port: Port}
}

// String form used in SSDP HOST headers and diagnostics, e.g.
// "239.255.255.250:1900" or "[ff02::c]:1900".
func (m AddressMode) DisplayString() string {
	if m == ModeIPv6LinkLocal {
		return fmt.Sprintf("[%s]:%d", multicastIPv6, Port)
	}
	return fmt.Sprintf("%s:%d", multicastIPv4, Port)
}

// PickInterfaceAddress returns the interface address this mode would bind
// to: the first IPv4 address for ModeIPv4, or the first link-local IPv6
// address for ModeIPv6LinkLocal (first in iface.Addrs() order; behavior
// when an interface carries multiple link-local addresses is unspecified).
func (m AddressMode) PickInterfaceAddress(iface net.Interface) (net.IP, error) {
	ipNet, err := m.PickInterfaceNet(iface)
	if err != nil {
		return nil, err
	}
	return ipNet.IP, nil
}

// PickInterfaceNet is PickInterfaceAddress's counterpart for callers that
// also need the interface's subnet (prefix length), used to compute
// ValidSegment against the interface's actual netmask rather than an
// assumed one.
func (m AddressMode) PickInterfaceNet(iface net.Interface) (*net.IPNet, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, &uerrors.IOError{Operation: "list interface addresses", Details: iface.Name, Err: err}
	}

	ipNet := m.pickFrom(addrs)
	if ipNet == nil {
		return nil, &uerrors.NoSuitableAddressError{Interface: iface.Name, Mode: m.String()}
	}
	return ipNet, nil
}

// pickFrom implements the selection rule over an already-fetched address
// list, split out from PickInterfaceNet so it is testable without a live
// OS interface table.
func (m AddressMode) pickFrom(addrs []net.Addr) *net.IPNet {
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP

		switch m {
		case ModeIPv4:
			if v4 := ip.To4(); v4 != nil {
				return &net.IPNet{IP: v4, Mask: ipNet.Mask}
			}
		case ModeIPv6LinkLocal:
			if ip.To4() == nil && ip.IsLinkLocalUnicast() {
				return ipNet
			}
		}
	}
	return nil
}
