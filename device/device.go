// Package device reads UPnP device description documents: the XML
// fetched from a discovered device's LOCATION URL, describing its
// identity, embedded devices, and services. It is a narrow, purpose-built
// reader, not a general XML DOM library.
package device

import (
	"encoding/xml"
	"fmt"
	"io"
)

// Icon describes one entry in a device's iconList.
type Icon struct {
	Mimetype string `xml:"mimetype"`
	Width    int    `xml:"width"`
	Height   int    `xml:"height"`
	Depth    int    `xml:"depth"`
	URL      string `xml:"url"`
}

// Service describes one entry in a device's serviceList. EventSubURL is
// the absolute or relative path a control point uses to SUBSCRIBE for
// this service's state-change events.
type Service struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

// Device is an init-once value object: every field except BaseURL is
// populated at parse time from the description document; BaseURL is set
// once by the caller after Parse. Icon binaries and SCPD documents are explicit secondary
// loads left to the caller (out of scope here).
type Device struct {
	DeviceType   string    `xml:"deviceType"`
	FriendlyName string    `xml:"friendlyName"`
	Manufacturer string    `xml:"manufacturer"`
	ModelName    string    `xml:"modelName"`
	ModelNumber  string    `xml:"modelNumber"`
	UDN          string    `xml:"UDN"`
	Icons        []Icon    `xml:"iconList>icon"`
	Services     []Service `xml:"serviceList>service"`
	Embedded     []Device  `xml:"deviceList>device"`

	// BaseURL is not part of the document body; it is supplied by the
	// caller from the LOCATION the document was fetched from, and used to
	// resolve the relative URLs above.
	BaseURL string `xml:"-"`
}

type descriptionDocument struct {
	XMLName xml.Name `xml:"root"`
	Device  Device   `xml:"device"`
}

// Parse reads a UPnP device description document from r. It performs no
// network access and no URL resolution; callers attach BaseURL and
// resolve Service/Icon URLs against it themselves (see ResolveURL).
func Parse(r io.Reader) (*Device, error) {
	var doc descriptionDocument
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("device: decode description document: %w", err)
	}
	if doc.Device.UDN == "" {
		return nil, fmt.Errorf("device: description document missing UDN")
	}
	return &doc.Device, nil
}

// ServiceKey returns the registry key a gena.Manager would use for one of this
// device's services: "<UDN>::<serviceId>".
func (d *Device) ServiceKey(s Service) string {
	return d.UDN + "::" + s.ServiceID
}

// FindService returns the service whose ServiceType matches typ among d's
// direct services (not embedded devices), and whether one was found.
func (d *Device) FindService(typ string) (Service, bool) {
	for _, s := range d.Services {
		if s.ServiceType == typ {
			return s, true
		}
	}
	return Service{}, false
}
