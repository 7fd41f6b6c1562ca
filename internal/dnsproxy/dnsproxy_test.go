package dnsproxy

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProxy(t *testing.T) (d *DNSProxy) {
	t.Helper()

	d, err := New(&Config{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:0"),
		Upstream:   "127.0.0.1:53",
		RedirectAddrs: []netip.Addr{
			netip.MustParseAddr("192.0.2.1"),
			netip.MustParseAddr("2001:db8::1"),
		},
		RedirectRules: []string{"*.example.com"},
		DropRules:     []string{"ads.example.com"},
	})
	require.NoError(t, err)

	return d
}

func TestNew_noRedirectAddrs(t *testing.T) {
	_, err := New(&Config{Upstream: "127.0.0.1:53"})
	assert.ErrorIs(t, err, errNoRedirectAddrs)
}

func TestDNSProxy_action(t *testing.T) {
	d := newTestProxy(t)

	testCases := []struct {
		name  string
		qname string
		qtype uint16
		want  action
	}{{
		name:  "redirect_a",
		qname: "www.example.com.",
		qtype: dns.TypeA,
		want:  actionRedirect,
	}, {
		name:  "redirect_case",
		qname: "WWW.Example.com.",
		qtype: dns.TypeAAAA,
		want:  actionRedirect,
	}, {
		name:  "drop",
		qname: "ads.example.com.",
		qtype: dns.TypeA,
		want:  actionDrop,
	}, {
		name:  "other_type",
		qname: "www.example.com.",
		qtype: dns.TypeTXT,
		want:  actionResolve,
	}, {
		name:  "other_domain",
		qname: "example.org.",
		qtype: dns.TypeA,
		want:  actionResolve,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			q := dns.Question{Name: tc.qname, Qtype: tc.qtype, Qclass: dns.ClassINET}
			assert.Equal(t, tc.want, d.action(q))
		})
	}
}

func TestDNSProxy_redirect(t *testing.T) {
	d := newTestProxy(t)

	req := &dns.Msg{}
	req.SetQuestion("www.example.com.", dns.TypeA)

	resp := d.redirect(req)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.True(t, a.A.Equal(net.IPv4(192, 0, 2, 1)))
	assert.Equal(t, req.Id, resp.Id)
	assert.EqualValues(t, defaultTTL, a.Hdr.Ttl)

	req.SetQuestion("www.example.com.", dns.TypeAAAA)
	resp = d.redirect(req)
	require.Len(t, resp.Answer, 1)

	aaaa, ok := resp.Answer[0].(*dns.AAAA)
	require.True(t, ok)
	assert.True(t, aaaa.AAAA.Equal(net.ParseIP("2001:db8::1")))
}
