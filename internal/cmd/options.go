package cmd

import "encoding/json"

// Options represents console arguments.
type Options struct {
	// ListenAddress is the IP address the proxy listens for TLS connections
	// on.
	ListenAddress string `long:"address" description:"IP address the proxy will be listening for TLS connections on." default:"0.0.0.0"`

	// ListenPort is the port the proxy listens for TLS connections on.
	ListenPort int `long:"port" description:"Port the proxy will be listening for TLS connections on." default:"8000"`

	// Upstream is the host:port all connections are tunneled to.  If not
	// set, connections are tunneled to the server name from SNI on port 443.
	Upstream string `long:"upstream" description:"host:port all connections will be tunneled to. If not set, connections are tunneled to the SNI server name on port 443."`

	// ReadSize is the size of the first read from a client that must contain
	// the whole ClientHello.
	ReadSize int `long:"read-size" description:"Size of the first read from a client. The whole ClientHello must fit into it." default:"16389"`

	// EchoOnly makes the proxy only log the server name of each connection.
	EchoOnly bool `long:"echo" description:"Only log the server name of every connection and close it." optional:"yes" optional-value:"true"`

	// RejectMalformed makes the proxy close connections that don't start with
	// a well-formed ClientHello.
	RejectMalformed bool `long:"reject-malformed" description:"Close connections that don't start with a well-formed TLS ClientHello." optional:"yes" optional-value:"true"`

	// BandwidthRate is a number of bytes per second the connections speed will
	// be limited to.  If not set, there is no limit.
	BandwidthRate float64 `long:"bandwidth-rate" description:"Bytes per second the connections speed will be limited to. If not set, there is no limit." default:"0"`

	// ForwardProxy is the address of a SOCKS/HTTP/HTTPS proxy that the
	// connections will be forwarded to according to ForwardRules.
	ForwardProxy string `long:"forward-proxy" description:"Address of a SOCKS/HTTP/HTTPS proxy that the connections will be forwarded to according to forward-rule."`

	// ForwardRules is a list of wildcards that define what connections will be
	// forwarded to ForwardProxy.
	ForwardRules []string `long:"forward-rule" description:"Wildcard that defines what connections will be forwarded to forward-proxy. Can be specified multiple times. If no rules are specified, all connections will be forwarded to the proxy."`

	// BlockRules is a list of wildcards that define connections to which hosts
	// will be blocked.
	BlockRules []string `long:"block-rule" description:"Wildcard that defines what server names should be blocked. Can be specified multiple times."`

	// DNS redirector settings
	// --

	// DNSListenAddress is the IP address the DNS server listens to.
	DNSListenAddress string `long:"dns-address" description:"IP address the DNS redirector will be listening to." default:"0.0.0.0"`

	// DNSPort is the port the DNS server listens to.
	DNSPort int `long:"dns-port" description:"Port the DNS redirector will be listening to." default:"53"`

	// DNSUpstream is the DNS server queries that aren't redirected are
	// forwarded to.
	DNSUpstream string `long:"dns-upstream" description:"The address of the DNS server queries that are not redirected will be forwarded to." default:"8.8.8.8"`

	// DNSRedirectTo is the list of the proxy's addresses.  The DNS
	// redirector is only started if it's not empty.
	DNSRedirectTo []string `long:"dns-redirect-to" description:"IP address of the proxy that A/AAAA queries will be answered with. Can be specified multiple times. The DNS redirector is only started if set."`

	// DNSRedirectRules is a list of wildcards that defines which domains
	// are redirected to the proxy.
	DNSRedirectRules []string `long:"dns-redirect-rule" description:"Wildcard that defines which domains should be redirected to the proxy. Can be specified multiple times." default:"*"`

	// DNSDropRules is a list of wildcards that defines which queries are left
	// without response.
	DNSDropRules []string `long:"dns-drop-rule" description:"Wildcard that defines DNS queries to which domains should be dropped. Can be specified multiple times."`

	// MetricsAddress is the host:port Prometheus metrics are served on.
	MetricsAddress string `long:"metrics-address" description:"host:port to serve Prometheus metrics on. If not set, metrics are not served."`

	// Log settings
	// --

	// Verbose defines whether we should write the DEBUG-level log or not.
	Verbose bool `long:"verbose" description:"Verbose output (optional)" optional:"yes" optional-value:"true"`

	// LogOutput is the optional path to the log file.
	LogOutput string `long:"output" description:"Path to the log file. If not set, write to stdout."`
}

// String implements fmt.Stringer interface for Options.
func (o *Options) String() (s string) {
	b, _ := json.MarshalIndent(o, "", "    ")

	return string(b)
}
