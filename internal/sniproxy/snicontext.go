package sniproxy

import (
	"net"
	"sync/atomic"
)

var lastID atomic.Uint64

// ConnContext represents a single client connection.
type ConnContext struct {
	// ClientAddr is the address of the client.
	ClientAddr net.Addr

	// ServerName is the host name from the SNI of the ClientHello.  It is
	// empty if the first read had no SNI.
	ServerName string

	// UpstreamAddr is the address the proxy connects to.
	UpstreamAddr string

	// ID is a unique connection ID used in logs.
	ID uint64
}

// newConnContext creates a new *ConnContext with the next ID.
func newConnContext(clientAddr net.Addr) (c *ConnContext) {
	return &ConnContext{
		ClientAddr: clientAddr,
		ID:         lastID.Add(1),
	}
}
