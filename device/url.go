package device

import "net/url"

// ResolveURL resolves ref (commonly a Service's ControlURL, EventSubURL,
// or an Icon's URL, each of which the UPnP description format allows to
// be relative) against d.BaseURL.
func (d *Device) ResolveURL(ref string) (string, error) {
	base, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}

// Subscribable adapts a Device+Service pair to gena.Service so it can be
// handed directly to a gena.Manager.
type Subscribable struct {
	device *Device
	svc    Service
	url    string
}

// Key implements gena.Service.
func (e Subscribable) Key() string { return e.device.UDN + "::" + e.svc.ServiceID }

// EventSubURL implements gena.Service.
func (e Subscribable) EventSubURL() string { return e.url }

// EventSubService builds the gena.Service adapter for s, resolving its
// EventSubURL against d's BaseURL.
func (d *Device) EventSubService(s Service) (Subscribable, error) {
	resolved, err := d.ResolveURL(s.EventSubURL)
	if err != nil {
		return Subscribable{}, err
	}
	return Subscribable{device: d, svc: s, url: resolved}, nil
}
