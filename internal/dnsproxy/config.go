package dnsproxy

import (
	"net/netip"
)

// Config is the DNS redirector configuration.
type Config struct {
	// ListenAddr is the address the DNS server listens to, both UDP and TCP.
	ListenAddr netip.AddrPort

	// Upstream is the DNS server queries that are not redirected are
	// forwarded to.  The format is the one accepted by
	// [proxy.ParseUpstreamsConfig].
	Upstream string

	// RedirectAddrs are the addresses of the SNI proxy.  IPv4 addresses are
	// used to answer A queries and IPv6 addresses are used for AAAA.
	RedirectAddrs []netip.Addr

	// RedirectRules is a list of wildcards that define which domains are
	// redirected to the SNI proxy.
	RedirectRules []string

	// DropRules is a list of wildcards that define which queries get no
	// response at all.
	DropRules []string
}
