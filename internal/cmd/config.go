package cmd

import (
	"fmt"
	"math"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/netutil"
	"github.com/ameshkov/sniparse/internal/dnsproxy"
	"github.com/ameshkov/sniparse/internal/metrics"
	"github.com/ameshkov/sniparse/internal/sniproxy"
)

// toSNIProxyConfig converts command-line arguments to [*sniproxy.Config].
func toSNIProxyConfig(options *Options, m *metrics.Metrics) (cfg *sniproxy.Config, err error) {
	ip := net.ParseIP(options.ListenAddress)
	if ip == nil {
		return nil, fmt.Errorf("cmd: failed to parse address %q", options.ListenAddress)
	}

	if options.Upstream != "" {
		_, _, err = netutil.SplitHostPort(options.Upstream)
		if err != nil {
			return nil, fmt.Errorf("cmd: invalid upstream %q: %w", options.Upstream, err)
		}
	}

	if options.ListenPort < 0 || options.ListenPort > math.MaxUint16 {
		return nil, fmt.Errorf("cmd: port must be in range 0..%d, got %d", math.MaxUint16, options.ListenPort)
	}

	if options.ReadSize < 0 {
		return nil, fmt.Errorf("cmd: read-size must not be negative, got %d", options.ReadSize)
	}

	return &sniproxy.Config{
		ListenAddr: &net.TCPAddr{
			IP:   ip,
			Port: options.ListenPort,
		},
		Metrics:         m,
		Upstream:        options.Upstream,
		ForwardProxy:    options.ForwardProxy,
		ForwardRules:    options.ForwardRules,
		BlockRules:      options.BlockRules,
		ReadSize:        options.ReadSize,
		BandwidthRate:   options.BandwidthRate,
		RejectMalformed: options.RejectMalformed,
		EchoOnly:        options.EchoOnly,
	}, nil
}

// toDNSProxyConfig converts command-line arguments to [*dnsproxy.Config].  It
// returns nil if the DNS redirector is not configured.
func toDNSProxyConfig(options *Options) (cfg *dnsproxy.Config, err error) {
	if len(options.DNSRedirectTo) == 0 {
		return nil, nil
	}

	if options.DNSPort < 0 || options.DNSPort > math.MaxUint16 {
		return nil, fmt.Errorf("cmd: dns-port must be in range 0..%d, got %d", math.MaxUint16, options.DNSPort)
	}

	addr, err := netip.ParseAddr(options.DNSListenAddress)
	if err != nil {
		return nil, fmt.Errorf("cmd: parsing dns-address: %w", err)
	}

	cfg = &dnsproxy.Config{
		ListenAddr:    netip.AddrPortFrom(addr, uint16(options.DNSPort)),
		Upstream:      options.DNSUpstream,
		RedirectRules: options.DNSRedirectRules,
		DropRules:     options.DNSDropRules,
	}

	for _, s := range options.DNSRedirectTo {
		var ip netip.Addr
		ip, err = netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("cmd: parsing dns-redirect-to: %w", err)
		}

		cfg.RedirectAddrs = append(cfg.RedirectAddrs, ip)
	}

	return cfg, nil
}
