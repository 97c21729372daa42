package mpd

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the MPD protocol default.
const DefaultPort = 6600

// Endpoint identifies one MPD server, optionally with a user-supplied
// static latency offset that bypasses the adaptive drift controller.
type Endpoint struct {
	Host    string
	Port    int
	Latency float64 // seconds; 0 means adaptive
}

// ParseEndpoint parses "HOST[:PORT][/LATENCY]". A missing port falls
// back to DefaultPort.
func ParseEndpoint(s string) (Endpoint, error) {
	ep := Endpoint{Port: DefaultPort}

	hostPort := s
	if i := strings.IndexByte(s, '/'); i >= 0 {
		hostPort = s[:i]
		latency, err := strconv.ParseFloat(s[i+1:], 64)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid latency in endpoint %q: %w", s, err)
		}
		ep.Latency = latency
	}

	if i := strings.IndexByte(hostPort, ':'); i >= 0 {
		port, err := strconv.Atoi(hostPort[i+1:])
		if err != nil || port <= 0 {
			return Endpoint{}, fmt.Errorf("invalid port in endpoint %q", s)
		}
		ep.Host = hostPort[:i]
		ep.Port = port
	} else {
		ep.Host = hostPort
	}

	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("missing host in endpoint %q", s)
	}
	return ep, nil
}

// Addr returns the host:port form used for dialing.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String renders the endpoint the way it was given on the command line.
func (e Endpoint) String() string {
	if e.Latency != 0 {
		return fmt.Sprintf("%s/%.3f", e.Addr(), e.Latency)
	}
	return e.Addr()
}
