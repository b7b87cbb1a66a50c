// Package upstream drives the HTTP/1.x side of the proxy: it dials the
// configured (or per-request) origin, forwards the bytes a stream's
// request side produces, and feeds the bytes an origin's response
// produces back into the stream's write side.
package upstream

import (
	"context"
	"net"
	"time"
)

// Dialer establishes the transport connection to an origin. Its shape
// mirrors the connector/dialer split used throughout the rest of the
// proxy ecosystem this ships alongside: a Dialer only ever knows how to
// reach an address, never anything about HTTP semantics layered on top.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// TCPDialer is the default Dialer: a plain net.Dialer with a configurable
// connect timeout, suitable for plaintext HTTP/1.1 origins.
type TCPDialer struct {
	Timeout time.Duration
}

// NewTCPDialer constructs a TCPDialer with the given connect timeout. A
// non-positive timeout disables the deadline and relies solely on the
// context passed to Dial.
func NewTCPDialer(timeout time.Duration) *TCPDialer {
	return &TCPDialer{Timeout: timeout}
}

// Dial connects to addr over TCP, applying d.Timeout on top of whatever
// deadline ctx already carries.
func (d *TCPDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", addr)
}
