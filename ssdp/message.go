package ssdp

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/upnpgo/upnpcp/internal/uerrors"
)

// DefaultMaxAge is used when CACHE-CONTROL is absent or unparsable.
const DefaultMaxAge = 1800 * time.Second

// maxAgeRE extracts the numeric max-age value out of a CACHE-CONTROL header
// such as "max-age=1800", matching gossdp's approach of scanning with a
// single case-insensitive regexp rather than a full HTTP Cache-Control
// parser (UPnP only ever sends this one directive).
var maxAgeRE = regexp.MustCompile(`(?i)max-age\s*=\s*([0-9]+)`)

// StartLine identifies which of the three SSDP frame shapes was parsed.
type StartLine int

const (
	// StartLineNotify is a "NOTIFY * HTTP/1.1" frame (ssdp:alive/byebye/update).
	StartLineNotify StartLine = iota
	// StartLineMSearch is an "M-SEARCH * HTTP/1.1" frame.
	StartLineMSearch
	// StartLineResponse is an "HTTP/1.1 200 OK" M-SEARCH response.
	StartLineResponse
)

// Message is an immutable, parsed SSDP frame. Construct one with Parse;
// the derived fields (UUID, Type, MaxAge, Expiry, ValidSegment) are
// computed once at parse time.
type Message struct {
	Header     http.Header
	SourceAddr *net.UDPAddr
	InterfaceIP net.IP
	Method      string // "NOTIFY", "M-SEARCH", or "" for a response
	StatusCode  int    // set only for StartLineResponse
	Line        StartLine
	ReceivedAt  time.Time

	UUID string
	Type string

	MaxAge time.Duration
	Expiry time.Time

	ValidSegment bool
}

// Parse reads an SSDP datagram payload (HTTP-shaped ASCII, CRLF line
// endings) received from src on an interface bound to ifaceIP at receivedAt.
// Unparsable payloads return an *uerrors.InvalidMessageError; callers
// must drop these without logging above Debug.
func Parse(payload []byte, src *net.UDPAddr, ifaceIP net.IP, prefixLen int, receivedAt time.Time) (*Message, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))

	peek, err := reader.Peek(len(payload))
	if err != nil && len(peek) == 0 {
		return nil, &uerrors.InvalidMessageError{Reason: "empty datagram"}
	}

	m := &Message{
		SourceAddr:  src,
		InterfaceIP: ifaceIP,
		ReceivedAt:  receivedAt,
	}

	if bytes.HasPrefix(bytes.TrimLeft(payload, " \r\n"), []byte("HTTP/")) {
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(payload)), nil)
		if err != nil {
			return nil, &uerrors.InvalidMessageError{Reason: "malformed response: " + err.Error()}
		}
		defer resp.Body.Close()

		m.Line = StartLineResponse
		m.StatusCode = resp.StatusCode
		m.Header = resp.Header
	} else {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return nil, &uerrors.InvalidMessageError{Reason: "malformed request: " + err.Error()}
		}

		switch strings.ToUpper(req.Method) {
		case "NOTIFY":
			m.Line = StartLineNotify
		case "M-SEARCH":
			m.Line = StartLineMSearch
		default:
			return nil, &uerrors.InvalidMessageError{Reason: "unsupported method " + req.Method}
		}
		m.Method = strings.ToUpper(req.Method)
		m.Header = req.Header
	}

	m.MaxAge = parseMaxAge(m.Header.Get("CACHE-CONTROL"))
	m.Expiry = receivedAt.Add(m.MaxAge)
	m.UUID, m.Type = splitUSN(m.Header.Get("USN"))
	m.ValidSegment = ValidSegment(src.IP, ifaceIP, prefixLen)

	return m, nil
}

// NTS returns the NOTIFY sub-type header value ("ssdp:alive", "ssdp:byebye",
// "ssdp:update"), empty for non-NOTIFY frames.
func (m *Message) NTS() string { return m.Header.Get("NTS") }

// NT returns the notification type header (NOTIFY frames). M-SEARCH frames
// and their responses carry ST instead; see ST.
func (m *Message) NT() string { return m.Header.Get("NT") }

// ST returns the search-target header (M-SEARCH and its responses).
func (m *Message) ST() string { return m.Header.Get("ST") }

// Location returns the raw LOCATION header, unvalidated.
func (m *Message) Location() string { return m.Header.Get("LOCATION") }

func parseMaxAge(cacheControl string) time.Duration {
	if cacheControl == "" {
		return DefaultMaxAge
	}
	match := maxAgeRE.FindStringSubmatch(cacheControl)
	if match == nil {
		return DefaultMaxAge
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return DefaultMaxAge
	}
	return time.Duration(n) * time.Second
}

// splitUSN derives the UUID/type pair from a USN header:
// the value must start with "uuid" or both results are left empty;
// otherwise it is split on the first "::", and without a "::" the whole
// value is the UUID.
func splitUSN(usn string) (uuid, typ string) {
	if !strings.HasPrefix(usn, "uuid") {
		return "", ""
	}
	if idx := strings.Index(usn, "::"); idx >= 0 {
		return usn[:idx], usn[idx+2:]
	}
	return usn, ""
}

// ValidSegment reports whether src lies in the subnet addressed by ifaceIP
// given prefixLen high bits.
func ValidSegment(src, ifaceIP net.IP, prefixLen int) bool {
	a := src.To4()
	b := ifaceIP.To4()
	if a == nil || b == nil {
		a, b = src.To16(), ifaceIP.To16()
	}
	if a == nil || b == nil || len(a) != len(b) {
		return false
	}

	fullBytes := prefixLen / 8
	remBits := prefixLen % 8

	for i := 0; i < fullBytes && i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	if remBits > 0 && fullBytes < len(a) {
		mask := byte(0xFF << (8 - remBits))
		if a[fullBytes]&mask != b[fullBytes]&mask {
			return false
		}
	}
	return true
}

// WriteNotify serializes an outbound NOTIFY frame (ssdp:alive or
// ssdp:byebye) using canonical CRLF line endings and no body.
func WriteNotify(host string, headers map[string]string) []byte {
	return writeFrame("NOTIFY * HTTP/1.1", host, headers)
}

// WriteMSearch serializes an outbound M-SEARCH frame.
func WriteMSearch(host string, headers map[string]string) []byte {
	return writeFrame("M-SEARCH * HTTP/1.1", host, headers)
}

// WriteResponse serializes an M-SEARCH 200 OK response.
func WriteResponse(headers map[string]string) []byte {
	return writeFrame("HTTP/1.1 200 OK", "", headers)
}

func writeFrame(startLine, host string, headers map[string]string) []byte {
	var buf bytes.Buffer
	buf.WriteString(startLine)
	buf.WriteString("\r\n")
	if host != "" {
		fmt.Fprintf(&buf, "HOST: %s\r\n", host)
	}
	for k, v := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}
