// Package discovery orchestrates the Notify Receiver, Search Responder,
// and Location Validator into the control point's device-discovery
// surface: it turns accepted SSDP datagrams into fetched device
// descriptions handed to user code.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/upnpgo/upnpcp/device"
	"github.com/upnpgo/upnpcp/internal/executor"
	"github.com/upnpgo/upnpcp/internal/ssdpnet"
	"github.com/upnpgo/upnpcp/ssdp"
)

// DeviceHandler is invoked once per newly-seen or refreshed device
// description. alive is false for an ssdp:byebye notification, in which
// case dev is nil and only uuid (discovered from the USN) is set; no fetch
// is attempted.
type DeviceHandler func(dev *device.Device, uuid string, alive bool)

// Option configures a ControlPoint at construction time.
type Option func(*ControlPoint)

// WithHTTPClient overrides the client used to fetch device description
// documents.
func WithHTTPClient(c *http.Client) Option {
	return func(cp *ControlPoint) { cp.httpClient = c }
}

// WithDescriptionTimeout bounds how long a device description fetch may
// take before it is abandoned.
func WithDescriptionTimeout(d time.Duration) Option {
	return func(cp *ControlPoint) { cp.descTimeout = d }
}

// ControlPoint drives one or more Notify Receivers and Search Responders
// across a set of interface bindings and surfaces discovered devices
// through a DeviceHandler.
type ControlPoint struct {
	pools       *executor.Pools
	handler     DeviceHandler
	httpClient  *http.Client
	descTimeout time.Duration
	log         *log.Entry

	mu       sync.Mutex
	notify   []*ssdpnet.Server
	search   []*ssdpnet.Server
	fetching map[string]struct{} // UUID currently being fetched, dedup
}

// Binding names one (interface, address mode) pair to bind servers
// to.
type Binding struct {
	Iface net.Interface
	Mode  ssdp.AddressMode
}

// New constructs a ControlPoint bound to the given (interface, mode)
// pairs. Construction does not open any sockets; call Start for that.
func New(bindings []Binding, pools *executor.Pools, handler DeviceHandler, opts ...Option) *ControlPoint {
	cp := &ControlPoint{
		pools:       pools,
		handler:     handler,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		descTimeout: 5 * time.Second,
		log:         log.WithField("component", "discovery.ControlPoint"),
		fetching:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(cp)
	}

	for _, b := range bindings {
		if n, err := ssdpnet.NewNotifyReceiver(b.Iface, b.Mode, pools, cp); err == nil {
			cp.notify = append(cp.notify, n)
		} else {
			cp.log.WithError(err).WithField("iface", b.Iface.Name).Debug("notify receiver unavailable on interface")
		}
		if s, err := ssdpnet.NewSearchResponder(b.Iface, b.Mode, pools, cp); err == nil {
			cp.search = append(cp.search, s)
		} else {
			cp.log.WithError(err).WithField("iface", b.Iface.Name).Debug("search responder unavailable on interface")
		}
	}
	return cp
}

// NewBinding constructs a Binding for callers building the slice passed
// to New.
func NewBinding(iface net.Interface, mode ssdp.AddressMode) Binding {
	return Binding{Iface: iface, Mode: mode}
}

// Start opens and starts every bound server.
func (cp *ControlPoint) Start() error {
	for _, s := range append(append([]*ssdpnet.Server{}, cp.notify...), cp.search...) {
		if err := s.Open(); err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops and closes every bound server.
func (cp *ControlPoint) Stop() {
	for _, s := range append(append([]*ssdpnet.Server{}, cp.notify...), cp.search...) {
		_ = s.Close()
	}
}

// Search broadcasts an M-SEARCH for searchTarget ("ssdp:all" discovers
// everything) on every bound search responder, with the given MX
// (response-spread window, seconds).
func (cp *ControlPoint) Search(searchTarget string, mx int) {
	for _, s := range cp.search {
		headers := map[string]string{
			"MAN": `"ssdp:discover"`,
			"MX":  fmt.Sprintf("%d", mx),
			"ST":  searchTarget,
		}
		frame := ssdp.WriteMSearch(s.Mode.DisplayString(), headers)
		s.Send(frame)
	}
}

// OnReceive implements ssdpnet.Receiver. It parses and validates the
// datagram, then (for alive/response messages with a valid LOCATION)
// dispatches a description fetch on the IO pool; byebye notifications
// are surfaced directly with no fetch.
func (cp *ControlPoint) OnReceive(src *net.UDPAddr, data []byte, ifaceIP net.IP, prefixLen int) {
	msg, err := ssdp.Parse(data, src, ifaceIP, prefixLen, time.Now())
	if err != nil {
		return // malformed SSDP content is silently dropped; UPnP networks are noisy.
	}
	if !msg.ValidSegment {
		return
	}

	if msg.Line == ssdp.StartLineNotify && msg.NTS() == "ssdp:byebye" {
		cp.pools.SubmitCallback(func() { cp.handler(nil, msg.UUID, false) })
		return
	}

	if ssdp.IsInvalidLocation(msg, src.IP) {
		return
	}

	if !cp.claimFetch(msg.UUID) {
		return
	}
	cp.pools.SubmitIO(func() {
		defer cp.releaseFetch(msg.UUID)
		cp.fetchAndDeliver(msg)
	})
}

func (cp *ControlPoint) claimFetch(uuid string) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, inFlight := cp.fetching[uuid]; inFlight {
		return false
	}
	cp.fetching[uuid] = struct{}{}
	return true
}

func (cp *ControlPoint) releaseFetch(uuid string) {
	cp.mu.Lock()
	delete(cp.fetching, uuid)
	cp.mu.Unlock()
}

func (cp *ControlPoint) fetchAndDeliver(msg *ssdp.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), cp.descTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.Location(), nil)
	if err != nil {
		cp.log.WithError(err).Debug("build description request failed")
		return
	}
	resp, err := cp.httpClient.Do(req)
	if err != nil {
		cp.log.WithError(err).WithField("location", msg.Location()).Debug("fetch description failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cp.log.WithField("status", resp.StatusCode).Debug("description fetch non-200")
		return
	}

	dev, err := device.Parse(resp.Body)
	if err != nil {
		cp.log.WithError(err).Debug("parse description failed")
		return
	}
	dev.BaseURL = msg.Location()

	cp.pools.SubmitCallback(func() { cp.handler(dev, msg.UUID, true) })
}
