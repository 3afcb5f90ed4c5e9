// Package stoq is a secure, quantum-resistant, IPv6-only datagram/stream
// transport layered over QUIC. It negotiates post-quantum authentication,
// carries three wire-level protocol extensions (content tokenization,
// packet sharding, multi-hop routing metadata), and adapts transport
// parameters to observed network conditions in real time. STOQ is a pure
// transport: it has no opinion about what bytes mean.
package stoq

import (
	"fmt"
	"net"
	"net/netip"
)

// Endpoint is an (IPv6 address, UDP port, optional service name) triple.
// IPv4 is rejected at construction; equality is by address+port.
type Endpoint struct {
	addr    netip.Addr
	port    uint16
	service string
}

// NewEndpoint builds an Endpoint from an IPv6 address and port. It returns
// ErrIPv4NotSupported for any IPv4 (or IPv4-mapped) address.
func NewEndpoint(addr netip.Addr, port uint16) (Endpoint, error) {
	if !addr.Is6() || addr.Is4In6() {
		return Endpoint{}, ErrIPv4NotSupported
	}
	return Endpoint{addr: addr, port: port}, nil
}

// NewEndpointByName attaches a service name to resolve later via a
// PeerResolver; the address is filled in once resolved.
func NewEndpointByName(service string) Endpoint {
	return Endpoint{service: service}
}

// ParseEndpoint parses a "[addr]:port" string into an Endpoint.
func ParseEndpoint(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("stoq: invalid endpoint %q: %w", hostport, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("stoq: invalid endpoint address %q: %w", host, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Endpoint{}, fmt.Errorf("stoq: invalid endpoint port %q: %w", portStr, err)
	}
	return NewEndpoint(addr, port)
}

// Addr returns the resolved IPv6 address (zero value if not yet resolved).
func (e Endpoint) Addr() netip.Addr { return e.addr }

// Port returns the UDP port.
func (e Endpoint) Port() uint16 { return e.port }

// ServiceName returns the optional service name used by connect_by_name.
func (e Endpoint) ServiceName() string { return e.service }

// Resolved reports whether Addr/Port are populated.
func (e Endpoint) Resolved() bool { return e.addr.IsValid() }

// String renders "[addr]:port", or the bare service name if unresolved.
func (e Endpoint) String() string {
	if !e.Resolved() {
		return e.service
	}
	return net.JoinHostPort(e.addr.String(), fmt.Sprint(e.port))
}

// UDPAddr returns the net.UDPAddr STOQ's QUIC layer dials/listens on.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.addr.AsSlice(), Port: int(e.port)}
}

// key returns the Connection Pool's map key for this endpoint.
func (e Endpoint) key() string { return e.String() }

// Equal reports address+port equality (spec.md §3).
func (e Endpoint) Equal(o Endpoint) bool {
	return e.addr == o.addr && e.port == o.port
}
