package ssdpnet

import (
	"net"

	"github.com/upnpgo/upnpcp/internal/executor"
	"github.com/upnpgo/upnpcp/ssdp"
)

// NewSearchResponder builds a Server bound to an ephemeral port, used to
// send M-SEARCH requests and collect unicast responses. It does not
// join the multicast group: M-SEARCH responses arrive
// unicast to whatever port the request was sent from.
func NewSearchResponder(iface net.Interface, mode ssdp.AddressMode, pools *executor.Pools, receiver Receiver) (*Server, error) {
	return New(iface, mode, 0, pools, receiver)
}
