package ssdpnet

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/upnpgo/upnpcp/ssdp"
)

// receiveTask is the single cooperative receive loop owned by a Server
// while running. It is submitted to the unbounded server pool and exits
// when ctx is cancelled, the socket is closed out from under it, the
// multicast join fails, or a read fails with a non-timeout error.
type receiveTask struct {
	server *Server
	ctx    context.Context
	done   chan struct{}
	ready  chan struct{}
}

func (t *receiveTask) run() {
	defer close(t.done)

	s := t.server
	s.mu.Lock()
	conn := s.conn
	mode := s.Mode
	bindPort := s.BindPort
	pconn4 := s.pconn4
	pconn6 := s.pconn6
	ifaceIP := s.IfaceIP
	prefixLen := s.PrefixLen
	s.mu.Unlock()

	if conn == nil {
		return
	}

	if bindPort == ssdp.Port {
		if err := joinGroup(mode, pconn4, pconn6, &s.Iface); err != nil {
			s.log.WithError(err).Warn("join multicast group failed")
			return
		}
		defer func() {
			if err := leaveGroup(mode, pconn4, pconn6, &s.Iface); err != nil {
				s.log.WithError(err).Debug("leave multicast group failed")
			}
		}()
	}

	close(t.ready)
	s.log.Debug("receive loop started")
	defer s.log.Debug("receive loop stopped")

	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(socketReadTimeout)); err != nil {
			s.log.WithError(err).Debug("set read deadline failed")
			return
		}

		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.WithError(err).Debug("read failed, terminating receive loop")
			return
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		if s.receiver == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.receiver.OnReceive(udpAddr, payload, ifaceIP, prefixLen)
	}
}

func joinGroup(mode ssdp.AddressMode, p4 *ipv4.PacketConn, p6 *ipv6.PacketConn, iface *net.Interface) error {
	group := &net.UDPAddr{IP: mode.GroupAddress()}
	if mode == ssdp.ModeIPv6LinkLocal {
		return p6.JoinGroup(iface, group)
	}
	return p4.JoinGroup(iface, group)
}

func leaveGroup(mode ssdp.AddressMode, p4 *ipv4.PacketConn, p6 *ipv6.PacketConn, iface *net.Interface) error {
	group := &net.UDPAddr{IP: mode.GroupAddress()}
	if mode == ssdp.ModeIPv6LinkLocal {
		return p6.LeaveGroup(iface, group)
	}
	return p4.LeaveGroup(iface, group)
}
