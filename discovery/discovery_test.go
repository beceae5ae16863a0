package discovery

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/upnpgo/upnpcp/device"
	"github.com/upnpgo/upnpcp/internal/executor"
)

const testDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Test Renderer</friendlyName>
    <UDN>uuid:test-1</UDN>
  </device>
</root>`

func newTestControlPoint(t *testing.T, handler DeviceHandler) (*ControlPoint, *executor.Pools) {
	t.Helper()
	pools := executor.New()
	t.Cleanup(pools.Terminate)
	cp := New(nil, pools, handler)
	return cp, pools
}

func TestOnReceive_AliveWithValidLocation_FetchesAndDelivers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(testDescription))
	}))
	defer srv.Close()

	host := srv.Listener.Addr().(*net.TCPAddr)

	delivered := make(chan *device.Device, 1)
	cp, _ := newTestControlPoint(t, func(dev *device.Device, uuid string, alive bool) {
		if alive {
			delivered <- dev
		}
	})

	payload := "NOTIFY * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"LOCATION: " + srv.URL + "/desc.xml\r\n" +
		"NT: urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"NTS: ssdp:alive\r\n" +
		"USN: uuid:test-1::urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"\r\n"

	src := &net.UDPAddr{IP: host.IP, Port: 54321}
	cp.OnReceive(src, []byte(payload), host.IP, 24)

	select {
	case dev := <-delivered:
		if dev.UDN != "uuid:test-1" {
			t.Errorf("UDN = %q, want uuid:test-1", dev.UDN)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for device delivery")
	}
}

func TestOnReceive_Byebye_DeliversUUIDOnly(t *testing.T) {
	delivered := make(chan string, 1)
	cp, _ := newTestControlPoint(t, func(dev *device.Device, uuid string, alive bool) {
		if !alive {
			delivered <- uuid
		}
	})

	payload := "NOTIFY * HTTP/1.1\r\nHOST: 239.255.255.250:1900\r\nNTS: ssdp:byebye\r\n" +
		"NT: upnp:rootdevice\r\nUSN: uuid:test-2::upnp:rootdevice\r\n\r\n"

	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.9"), Port: 1900}
	cp.OnReceive(src, []byte(payload), net.ParseIP("192.0.2.1"), 24)

	select {
	case uuid := <-delivered:
		if uuid != "uuid:test-2" {
			t.Errorf("uuid = %q, want uuid:test-2", uuid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for byebye delivery")
	}
}

func TestOnReceive_ValidSegment_UsesActualPrefixLen(t *testing.T) {
	// src and ifaceIP only share a /16, not a /24: with the real prefix
	// length threaded through, this must still be treated as same-segment.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testDescription))
	}))
	defer srv.Close()

	delivered := make(chan *device.Device, 1)
	cp, _ := newTestControlPoint(t, func(dev *device.Device, uuid string, alive bool) {
		if alive {
			delivered <- dev
		}
	})

	payload := "NOTIFY * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"LOCATION: " + srv.URL + "/desc.xml\r\n" +
		"NT: urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"NTS: ssdp:alive\r\n" +
		"USN: uuid:test-4::urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"\r\n"

	src := &net.UDPAddr{IP: net.ParseIP("10.1.200.9"), Port: 1900}
	cp.OnReceive(src, []byte(payload), net.ParseIP("10.1.5.5"), 16)

	select {
	case dev := <-delivered:
		if dev.UDN != "uuid:test-1" {
			t.Errorf("UDN = %q, want uuid:test-1", dev.UDN)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for device delivery on a /16 segment")
	}
}

func TestOnReceive_InvalidLocation_Dropped(t *testing.T) {
	cp, _ := newTestControlPoint(t, func(dev *device.Device, uuid string, alive bool) {
		t.Error("handler invoked for a message with an invalid location")
	})

	payload := "NOTIFY * HTTP/1.1\r\nNTS: ssdp:alive\r\nNT: x\r\n" +
		"LOCATION: http://203.0.113.9/desc.xml\r\n" +
		"USN: uuid:test-3::x\r\n\r\n"

	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.9"), Port: 1900}
	cp.OnReceive(src, []byte(payload), net.ParseIP("192.0.2.1"), 24)

	// allow any (incorrectly) scheduled work to surface before asserting
	// nothing was delivered.
	time.Sleep(50 * time.Millisecond)
}

func TestOnReceive_Malformed_DroppedSilently(t *testing.T) {
	cp, _ := newTestControlPoint(t, func(dev *device.Device, uuid string, alive bool) {
		t.Error("handler invoked for a malformed datagram")
	})
	src := &net.UDPAddr{IP: net.ParseIP("192.0.2.9"), Port: 1900}
	cp.OnReceive(src, []byte("garbage\r\n\r\n"), net.ParseIP("192.0.2.1"), 24)
	time.Sleep(50 * time.Millisecond)
}

func TestClaimFetch_DedupsConcurrentNotifications(t *testing.T) {
	cp, _ := newTestControlPoint(t, func(dev *device.Device, uuid string, alive bool) {})

	if !cp.claimFetch("uuid:dup") {
		t.Fatal("first claimFetch() = false, want true")
	}
	if cp.claimFetch("uuid:dup") {
		t.Fatal("second concurrent claimFetch() = true, want false (already in flight)")
	}
	cp.releaseFetch("uuid:dup")
	if !cp.claimFetch("uuid:dup") {
		t.Fatal("claimFetch() after release = false, want true")
	}
}
