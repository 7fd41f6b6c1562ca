package sniproxy

import (
	"net"

	"github.com/ameshkov/sniparse/internal/metrics"
)

// DefaultReadSize is the size of the first read from a client: the TLS record
// header plus the maximum record payload.
const DefaultReadSize = 5 + 16*1024

// Config is the SNI proxy configuration.
type Config struct {
	// ListenAddr is the address the proxy accepts TLS connections on.
	ListenAddr *net.TCPAddr

	// Metrics is used to record connection statistics.  It may be nil.
	Metrics *metrics.Metrics

	// Upstream is the host:port every connection is tunneled to.  If empty,
	// connections are tunneled to the server name from the ClientHello on
	// port 443.
	Upstream string

	// ForwardProxy is the URL of a SOCKS5/HTTP/HTTPS proxy that connections
	// will be dialed through according to ForwardRules.
	ForwardProxy string

	// ForwardRules is a list of wildcards that define what connections are
	// dialed through ForwardProxy.  If the list is empty and ForwardProxy is
	// set, all connections are.
	ForwardRules []string

	// BlockRules is a list of wildcards that define server names connections
	// to which are closed.
	BlockRules []string

	// ReadSize is the size of the buffer for the first read from a client.
	// The whole ClientHello must arrive in that read.  If zero,
	// DefaultReadSize is used.
	ReadSize int

	// BandwidthRate is a number of bytes per second the connection speed is
	// limited to.  If zero, there is no limit.
	BandwidthRate float64

	// RejectMalformed makes the proxy close connections whose first read is
	// not a well-formed ClientHello.  Otherwise they are still tunneled to
	// Upstream.  Connections with a valid ClientHello without SNI are never
	// rejected by this option.
	RejectMalformed bool

	// EchoOnly makes the proxy log the server name and close the connection
	// without tunneling anything.
	EchoOnly bool
}
