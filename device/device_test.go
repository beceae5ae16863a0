package device

import (
	"strings"
	"testing"
)

const sampleDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Living Room Speaker</friendlyName>
    <manufacturer>Example Corp</manufacturer>
    <modelName>Speaker 3000</modelName>
    <UDN>uuid:abc-123</UDN>
    <iconList>
      <icon>
        <mimetype>image/png</mimetype>
        <width>48</width>
        <height>48</height>
        <depth>24</depth>
        <url>/icon.png</url>
      </icon>
    </iconList>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
        <SCPDURL>/AVTransport/scpd.xml</SCPDURL>
        <controlURL>/AVTransport/control</controlURL>
        <eventSubURL>/AVTransport/event</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`

func TestParse_Valid(t *testing.T) {
	d, err := Parse(strings.NewReader(sampleDescription))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if d.UDN != "uuid:abc-123" {
		t.Errorf("UDN = %q", d.UDN)
	}
	if d.FriendlyName != "Living Room Speaker" {
		t.Errorf("FriendlyName = %q", d.FriendlyName)
	}
	if len(d.Icons) != 1 || d.Icons[0].Width != 48 {
		t.Fatalf("Icons = %+v", d.Icons)
	}
	if len(d.Services) != 1 {
		t.Fatalf("Services = %+v", d.Services)
	}
}

func TestParse_MissingUDN_Errors(t *testing.T) {
	doc := `<root><device><deviceType>x</deviceType></device></root>`
	if _, err := Parse(strings.NewReader(doc)); err == nil {
		t.Fatal("Parse() error = nil, want error for missing UDN")
	}
}

func TestParse_Malformed_Errors(t *testing.T) {
	if _, err := Parse(strings.NewReader("not xml at all")); err == nil {
		t.Fatal("Parse() error = nil, want decode error")
	}
}

func TestFindService(t *testing.T) {
	d, err := Parse(strings.NewReader(sampleDescription))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	svc, ok := d.FindService("urn:schemas-upnp-org:service:AVTransport:1")
	if !ok {
		t.Fatal("FindService() not found")
	}
	if svc.ServiceID != "urn:upnp-org:serviceId:AVTransport" {
		t.Errorf("ServiceID = %q", svc.ServiceID)
	}

	if _, ok := d.FindService("urn:schemas-upnp-org:service:NoSuch:1"); ok {
		t.Error("FindService() found a service that doesn't exist")
	}
}

func TestResolveURL(t *testing.T) {
	d := &Device{BaseURL: "http://192.0.2.2:8080/desc.xml"}
	got, err := d.ResolveURL("/AVTransport/control")
	if err != nil {
		t.Fatalf("ResolveURL() error = %v", err)
	}
	if got != "http://192.0.2.2:8080/AVTransport/control" {
		t.Errorf("ResolveURL() = %q", got)
	}
}

func TestEventSubService(t *testing.T) {
	d, err := Parse(strings.NewReader(sampleDescription))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	d.BaseURL = "http://192.0.2.2:8080/desc.xml"
	svc, _ := d.FindService("urn:schemas-upnp-org:service:AVTransport:1")

	sub, err := d.EventSubService(svc)
	if err != nil {
		t.Fatalf("EventSubService() error = %v", err)
	}
	if sub.Key() != "uuid:abc-123::urn:upnp-org:serviceId:AVTransport" {
		t.Errorf("Key() = %q", sub.Key())
	}
	if sub.EventSubURL() != "http://192.0.2.2:8080/AVTransport/event" {
		t.Errorf("EventSubURL() = %q", sub.EventSubURL())
	}
}
