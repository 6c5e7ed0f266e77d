package transport

import (
	"context"
	"errors"
	"net"
	"sync"
)

// ErrConnClosed is returned once Close has been called.
var ErrConnClosed = errors.New("transport: connection closed")

// Conn is a stream connection to a peer. A dialing Conn can be connected
// repeatedly; Reset tears down the current stream (unblocking a pending Recv)
// without forbidding a later Connect, while Close is terminal.
//
// Recv and Send may be called from different goroutines; Reset and Close are
// safe to call from any goroutine.
type Conn struct {
	ep Endpoint

	mu     sync.Mutex
	nc     net.Conn
	closed bool
}

// Dialer returns an unconnected Conn for the given endpoint string.
func Dialer(endpoint string) (*Conn, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return &Conn{ep: ep}, nil
}

// Accepted wraps an already-accepted stream.
func Accepted(nc net.Conn) *Conn {
	return &Conn{
		ep: Endpoint{Network: nc.RemoteAddr().Network(), Addr: nc.RemoteAddr().String()},
		nc: nc,
	}
}

// Endpoint returns the peer endpoint.
func (c *Conn) Endpoint() Endpoint {
	return c.ep
}

// Connect dials the endpoint, replacing any previous stream.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
	c.mu.Unlock()

	var d net.Dialer
	nc, err := d.DialContext(ctx, c.ep.Network, c.ep.Addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		nc.Close()
		return ErrConnClosed
	}
	c.nc = nc
	return nil
}

func (c *Conn) stream() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	if c.nc == nil {
		return nil, errors.New("transport: not connected")
	}
	return c.nc, nil
}

// Recv reads up to len(buf) bytes from the stream.
func (c *Conn) Recv(buf []byte) (int, error) {
	nc, err := c.stream()
	if err != nil {
		return 0, err
	}
	return nc.Read(buf)
}

// Send writes a frame header followed by its payload.
func (c *Conn) Send(hdr, payload []byte) error {
	nc, err := c.stream()
	if err != nil {
		return err
	}
	bufs := net.Buffers{hdr, payload}
	_, err = bufs.WriteTo(nc)
	return err
}

// Reset tears down the current stream, unblocking a pending Recv with an
// error. The Conn can be connected again afterwards.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
}

// Close tears down the stream and marks the Conn unusable.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
}
