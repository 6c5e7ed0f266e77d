// Package transport provides the stream transport hive sockets run over, plus
// the endpoint grammar used to name peers.
package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedProtocol is returned for endpoints not using a known scheme.
var ErrUnsupportedProtocol = errors.New("transport: unsupported protocol")

// Endpoint is a parsed peer address.
type Endpoint struct {
	Network string
	Addr    string
}

// ParseEndpoint parses "tcp://<host>:<port>". Anything else fails with
// ErrUnsupportedProtocol.
func ParseEndpoint(s string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q has no scheme", ErrUnsupportedProtocol, s)
	}
	if scheme != "tcp" {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, scheme)
	}
	if _, _, ok := strings.Cut(rest, ":"); !ok {
		return Endpoint{}, fmt.Errorf("%w: %q has no port", ErrUnsupportedProtocol, s)
	}
	return Endpoint{Network: "tcp", Addr: rest}, nil
}

func (e Endpoint) String() string {
	return e.Network + "://" + e.Addr
}
