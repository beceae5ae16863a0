package ssdpnet

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/upnpgo/upnpcp/internal/executor"
	"github.com/upnpgo/upnpcp/ssdp"
)

func loopbackInterface(t *testing.T) net.Interface {
	t.Helper()
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("net.Interfaces() error = %v", err)
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 && ifc.Flags&net.FlagUp != 0 {
			return ifc
		}
	}
	t.Skip("no up loopback interface available")
	return net.Interface{}
}

type recordingReceiver struct {
	mu      sync.Mutex
	packets [][]byte
	got     chan struct{}
}

func newRecordingReceiver() *recordingReceiver {
	return &recordingReceiver{got: make(chan struct{}, 16)}
}

func (r *recordingReceiver) OnReceive(_ *net.UDPAddr, data []byte, _ net.IP, _ int) {
	r.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.packets = append(r.packets, cp)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func TestServer_OpenStartStopClose_SearchRole(t *testing.T) {
	iface := loopbackInterface(t)
	pools := executor.New()
	defer pools.Terminate()

	recv := newRecordingReceiver()
	s, err := NewSearchResponder(iface, ssdp.ModeIPv4, pools, recv)
	if err != nil {
		t.Skipf("NewSearchResponder() error = %v (no usable IPv4 address on %s)", err, iface.Name)
	}

	if err := s.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s.Stop()
	s.Stop() // idempotent

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestServer_ReceiveLoop_DeliversToReceiver(t *testing.T) {
	iface := loopbackInterface(t)
	pools := executor.New()
	defer pools.Terminate()

	recv := newRecordingReceiver()
	s, err := NewSearchResponder(iface, ssdp.ModeIPv4, pools, recv)
	if err != nil {
		t.Skipf("NewSearchResponder() error = %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	s.mu.Lock()
	addr := s.conn.LocalAddr().(*net.UDPAddr)
	s.mu.Unlock()

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("M-SEARCH * HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case <-recv.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receiver callback")
	}

	recv.mu.Lock()
	defer recv.mu.Unlock()
	if len(recv.packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(recv.packets))
	}
}

func TestServer_Open_ReplacesPriorSocket(t *testing.T) {
	iface := loopbackInterface(t)
	pools := executor.New()
	defer pools.Terminate()

	s, err := NewSearchResponder(iface, ssdp.ModeIPv4, pools, newRecordingReceiver())
	if err != nil {
		t.Skipf("NewSearchResponder() error = %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	first := s.conn
	if err := s.Open(); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer s.Close()
	if s.conn == first {
		t.Error("second Open() did not replace the underlying socket")
	}
}
