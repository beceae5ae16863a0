// Package ssdpnet owns the per-(interface, mode, role) multicast socket
// and the cooperative receive loop underlying the notify receiver and
// search responder roles. ssdp.Message parsing and validation live one
// layer up in package ssdp so they can be unit tested without real
// sockets.
package ssdpnet

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	log "github.com/sirupsen/logrus"

	"github.com/upnpgo/upnpcp/internal/executor"
	"github.com/upnpgo/upnpcp/internal/uerrors"
	"github.com/upnpgo/upnpcp/ssdp"
)

// recvBufferSize is the datagram receive buffer; 1500 bytes comfortably
// covers Ethernet-MTU SSDP frames.
const recvBufferSize = 1500

// socketReadTimeout bounds how long a pending receive blocks before the
// loop re-checks for cancellation — the mechanism that makes Stop
// responsive without relying on Close unblocking a pending read from
// another goroutine.
const socketReadTimeout = 750 * time.Millisecond

// readyWait is how long Send() waits for the receive task to signal ready
// before giving up and dropping the datagram.
const readyWait = 500 * time.Millisecond

// Receiver is the collaborator invoked for every accepted datagram, in
// receive order, on the owning Server's single receive goroutine.
// prefixLen is the bound interface's actual subnet prefix length for
// ifaceIP's address family, for computing ValidSegment against the real
// netmask rather than an assumed one.
type Receiver interface {
	OnReceive(src *net.UDPAddr, data []byte, ifaceIP net.IP, prefixLen int)
}

type serverState int

const (
	stateIdle serverState = iota
	stateOpen
	stateRunning
)

// Server is the Datagram Server Core: it owns at most one multicast socket
// and at most one receive task at a time.
type Server struct {
	Mode      ssdp.AddressMode
	Iface     net.Interface
	IfaceIP   net.IP
	PrefixLen int // subnet prefix length of IfaceIP, per mode.PickInterfaceNet
	BindPort  int // 0 = ephemeral/search role, 1900 = notify role

	pools    *executor.Pools
	receiver Receiver
	log      *log.Entry

	mu       sync.Mutex
	state    serverState
	conn     *net.UDPConn
	pconn4   *ipv4.PacketConn
	pconn6   *ipv6.PacketConn
	cancel   context.CancelFunc
	taskDone chan struct{}
	ready    chan struct{}
}

// New resolves iface's address for mode and constructs a Server. BindPort
// determines the role: 1900 joins the multicast group (Notify Receiver),
// anything else (conventionally 0) does not (Search Responder).
func New(iface net.Interface, mode ssdp.AddressMode, bindPort int, pools *executor.Pools, receiver Receiver) (*Server, error) {
	ifaceNet, err := mode.PickInterfaceNet(iface)
	if err != nil {
		return nil, err
	}
	ones, _ := ifaceNet.Mask.Size()

	role := "search"
	if bindPort == ssdp.Port {
		role = "notify"
	}

	return &Server{
		Mode:      mode,
		Iface:     iface,
		IfaceIP:   ifaceNet.IP,
		PrefixLen: ones,
		BindPort:  bindPort,
		pools:     pools,
		receiver:  receiver,
		log: log.WithFields(log.Fields{
			"component": "ssdpnet.Server",
			"mode":      mode.String(),
			"iface":     iface.Name,
			"role":      role,
		}),
	}, nil
}

// Open creates and binds the multicast socket, sets the outgoing interface
// and TTL=4. Re-opening an already-open Server first closes the prior
// socket.
func (s *Server) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()

	lc := net.ListenConfig{Control: controlReusePort}
	laddr := net.JoinHostPort("", strconv.Itoa(s.BindPort))

	pc, err := lc.ListenPacket(context.Background(), s.Mode.Network(), laddr)
	if err != nil {
		return &uerrors.IOError{Operation: "open socket", Details: laddr, Err: err}
	}
	conn := pc.(*net.UDPConn)

	if s.Mode == ssdp.ModeIPv6LinkLocal {
		p6 := ipv6.NewPacketConn(conn)
		if err := p6.SetMulticastInterface(&s.Iface); err != nil {
			_ = conn.Close()
			return &uerrors.IOError{Operation: "set multicast interface", Err: err}
		}
		if err := p6.SetMulticastHopLimit(4); err != nil {
			_ = conn.Close()
			return &uerrors.IOError{Operation: "set multicast hop limit", Err: err}
		}
		s.pconn6 = p6
	} else {
		p4 := ipv4.NewPacketConn(conn)
		if err := p4.SetMulticastInterface(&s.Iface); err != nil {
			_ = conn.Close()
			return &uerrors.IOError{Operation: "set multicast interface", Err: err}
		}
		if err := p4.SetMulticastTTL(4); err != nil {
			_ = conn.Close()
			return &uerrors.IOError{Operation: "set multicast ttl", Err: err}
		}
		s.pconn4 = p4
	}

	s.conn = conn
	s.state = stateOpen
	s.log.Debug("socket opened")
	return nil
}

// Close stops any running receive task and releases the socket. Idempotent
// and safe to call from any goroutine.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

// closeLocked assumes s.mu is held.
func (s *Server) closeLocked() {
	s.stopLocked()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.pconn4 = nil
	s.pconn6 = nil
	s.state = stateIdle
}

// Start launches the receive loop on the server pool. Requires a prior
// Open; re-starting an already-running Server first stops the prior task.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return &uerrors.InvalidStateError{Operation: "start", Reason: "not open"}
	}

	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.taskDone = make(chan struct{})
	s.ready = make(chan struct{})
	s.state = stateRunning

	task := &receiveTask{
		server: s,
		ctx:    ctx,
		done:   s.taskDone,
		ready:  s.ready,
	}
	s.pools.SubmitServer(task.run)
	return nil
}

// Stop signals the receive task to cancel and returns immediately; the
// loop observes cancellation on its next iteration or receive-timeout
// boundary. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// stopLocked cancels the running receive task, if any. It does not wait
// for the task to exit; cancellation latency is bounded by
// socketReadTimeout since the loop only re-checks between reads.
func (s *Server) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = stateOpen
}

// Send dispatches payload to the IO pool, which sends it as a single
// datagram to the mode's multicast group once the receive task reports
// ready. Best-effort: IO errors are logged and swallowed, and a missed
// readiness window silently drops the send.
func (s *Server) Send(payload []byte) {
	s.pools.SubmitIO(func() {
		s.mu.Lock()
		ready := s.ready
		conn := s.conn
		running := s.state == stateRunning
		s.mu.Unlock()

		if !running || conn == nil {
			s.log.Debug("send dropped: server not running")
			return
		}

		select {
		case <-ready:
		case <-time.After(readyWait):
			s.log.Debug("send dropped: receive task not ready within wait window")
			return
		}

		dst := s.Mode.SocketAddress()
		if _, err := conn.WriteTo(payload, dst); err != nil {
			s.log.WithError(err).Debug("send failed")
		}
	})
}
