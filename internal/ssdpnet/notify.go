package ssdpnet

import (
	"net"

	"github.com/upnpgo/upnpcp/internal/executor"
	"github.com/upnpgo/upnpcp/ssdp"
)

// NewNotifyReceiver builds a Server bound to the well-known SSDP port and
// joined to the multicast group, accepting unsolicited NOTIFY datagrams.
func NewNotifyReceiver(iface net.Interface, mode ssdp.AddressMode, pools *executor.Pools, receiver Receiver) (*Server, error) {
	return New(iface, mode, ssdp.Port, pools, receiver)
}
