// Package dnsproxy is a DNS server that points clients at the SNI proxy by
// answering A/AAAA queries for the configured domains with the proxy's own
// addresses.  Other queries are forwarded upstream.
package dnsproxy

import (
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/AdguardTeam/dnsproxy/proxy"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/sniparse/internal/filter"
	"github.com/miekg/dns"
)

// defaultTTL is the TTL of the rewritten records.
const defaultTTL = 60

// errNoRedirectAddrs is returned by New when there is nothing to redirect to.
const errNoRedirectAddrs errors.Error = "no redirect addresses"

// DNSProxy manages the DNS server.
type DNSProxy struct {
	proxy *proxy.Proxy

	redirectRules []string
	dropRules     []string

	redirectIPv4 []net.IP
	redirectIPv6 []net.IP
}

// type check
var _ io.Closer = (*DNSProxy)(nil)

// New creates a new instance of *DNSProxy.
func New(cfg *Config) (d *DNSProxy, err error) {
	if len(cfg.RedirectAddrs) == 0 {
		return nil, fmt.Errorf("dnsproxy: %w", errNoRedirectAddrs)
	}

	proxyConfig, err := createProxyConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("dnsproxy: invalid configuration: %w", err)
	}

	d = &DNSProxy{
		redirectRules: cfg.RedirectRules,
		dropRules:     cfg.DropRules,
	}

	for _, addr := range cfg.RedirectAddrs {
		if addr.Unmap().Is4() {
			d.redirectIPv4 = append(d.redirectIPv4, net.IP(addr.Unmap().AsSlice()))
		} else {
			d.redirectIPv6 = append(d.redirectIPv6, net.IP(addr.AsSlice()))
		}
	}

	d.proxy = &proxy.Proxy{
		Config: proxyConfig,
	}
	d.proxy.RequestHandler = d.requestHandler

	return d, nil
}

// Start starts the DNS server.
func (d *DNSProxy) Start() (err error) {
	log.Info("dnsproxy: starting")

	err = d.proxy.Start()
	if err != nil {
		return fmt.Errorf("dnsproxy: starting: %w", err)
	}

	log.Info("dnsproxy: started successfully")

	return nil
}

// Close implements the [io.Closer] interface for *DNSProxy.
func (d *DNSProxy) Close() (err error) {
	log.Info("dnsproxy: stopping")

	err = d.proxy.Stop()

	log.Info("dnsproxy: stopped")

	return err
}

// requestHandler is a [proxy.RequestHandler] that redirects, drops, or
// resolves the query.
func (d *DNSProxy) requestHandler(p *proxy.Proxy, ctx *proxy.DNSContext) (err error) {
	if len(ctx.Req.Question) == 0 {
		return p.Resolve(ctx)
	}

	switch d.action(ctx.Req.Question[0]) {
	case actionDrop:
		ctx.Res = nil
	case actionRedirect:
		ctx.Res = d.redirect(ctx.Req)
	default:
		return p.Resolve(ctx)
	}

	return nil
}

// action is what to do with a DNS query.
type action int

const (
	actionResolve action = iota
	actionRedirect
	actionDrop
)

// action decides how to handle the question q.
func (d *DNSProxy) action(q dns.Question) (a action) {
	log.Debug("dnsproxy: received DNS query %s %s", dns.Type(q.Qtype), q.Name)

	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		// Other types can't point at the proxy anyway.
		return actionResolve
	}

	domain := strings.TrimSuffix(strings.ToLower(q.Name), ".")
	switch {
	case filter.MatchWildcards(domain, d.dropRules):
		return actionDrop
	case filter.MatchWildcards(domain, d.redirectRules):
		return actionRedirect
	default:
		return actionResolve
	}
}

// redirect returns a response to req with the proxy addresses of the
// question's family.  The answer is empty if there are no such addresses.
func (d *DNSProxy) redirect(req *dns.Msg) (resp *dns.Msg) {
	q := req.Question[0]

	log.Info("dnsproxy: redirecting %s %s", dns.Type(q.Qtype), q.Name)

	resp = &dns.Msg{}
	resp.SetReply(req)

	hdr := dns.RR_Header{
		Name:   q.Name,
		Rrtype: q.Qtype,
		Class:  dns.ClassINET,
		Ttl:    defaultTTL,
	}

	if q.Qtype == dns.TypeA {
		for _, ip := range d.redirectIPv4 {
			resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: ip})
		}
	} else {
		for _, ip := range d.redirectIPv6 {
			resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
		}
	}

	return resp
}

// createProxyConfig creates the configuration of the underlying DNS proxy.
func createProxyConfig(cfg *Config) (proxyConfig proxy.Config, err error) {
	upstreamCfg, err := proxy.ParseUpstreamsConfig([]string{cfg.Upstream}, nil)
	if err != nil {
		return proxyConfig, fmt.Errorf("parsing upstream %q: %w", cfg.Upstream, err)
	}

	ip := net.IP(cfg.ListenAddr.Addr().AsSlice())
	port := int(cfg.ListenAddr.Port())

	proxyConfig.UDPListenAddr = []*net.UDPAddr{{IP: ip, Port: port}}
	proxyConfig.TCPListenAddr = []*net.TCPAddr{{IP: ip, Port: port}}
	proxyConfig.UpstreamConfig = upstreamCfg

	return proxyConfig, nil
}
