package sniproxy

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/sniparse/internal/clienthello"
	"github.com/ameshkov/sniparse/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetLevel(log.DEBUG)

	m.Run()
}

// testTimeout is the timeout for network operations in tests.
const testTimeout = 5 * time.Second

// newClientHello returns a TLS record with a minimal ClientHello carrying the
// given server name.  If host is empty, there is no server_name extension.
func newClientHello(host string) (rec []byte) {
	var ext []byte
	if host != "" {
		ext = []byte{0, 0, byte((len(host) + 5) >> 8), byte(len(host) + 5)}
		ext = append(ext, byte((len(host)+3)>>8), byte(len(host)+3), 0)
		ext = append(ext, byte(len(host)>>8), byte(len(host)))
		ext = append(ext, host...)
	}

	return newClientHelloExts(ext)
}

// newClientHelloExts returns a TLS record with a minimal ClientHello whose
// extensions block is exactly ext.
func newClientHelloExts(ext []byte) (rec []byte) {
	body := bytes.Repeat([]byte{0}, 34)
	body = append(body, 0, 0, 2, 0x13, 0x01, 1, 0)
	body = append(body, byte(len(ext)>>8), byte(len(ext)))
	body = append(body, ext...)

	hs := append([]byte{1, 0, byte(len(body) >> 8), byte(len(body))}, body...)

	return append([]byte{22, 3, 1, byte(len(hs) >> 8), byte(len(hs))}, hs...)
}

// startEchoServer starts a TCP server that echoes everything back and returns
// its address.  Accepted connections are counted in accepted.
func startEchoServer(t *testing.T) (addr string, accepted chan struct{}) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	accepted = make(chan struct{}, 16)
	go func() {
		for {
			conn, aErr := l.Accept()
			if aErr != nil {
				return
			}

			accepted <- struct{}{}
			go func() {
				defer func() { _ = conn.Close() }()

				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	return l.Addr().String(), accepted
}

// startProxy starts an *SNIProxy on a random loopback port.
func startProxy(t *testing.T, cfg *Config) (p *SNIProxy) {
	t.Helper()

	cfg.ListenAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}

	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { assert.NoError(t, p.Close()) })

	return p
}

// dialProxy connects to p and sends first.
func dialProxy(t *testing.T, p *SNIProxy, first []byte) (conn net.Conn) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", p.Addr().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))

	_, err = conn.Write(first)
	require.NoError(t, err)

	return conn
}

// requireClosed checks that the proxy closes conn without sending anything.
func requireClosed(t *testing.T, conn net.Conn) {
	t.Helper()

	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Empty(t, b)
}

// requireEcho checks that first and then more data come back through conn.
func requireEcho(t *testing.T, conn net.Conn, first []byte) {
	t.Helper()

	buf := make([]byte, len(first))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, first, buf)

	_, err = conn.Write([]byte("more"))
	require.NoError(t, err)

	buf = make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "more", string(buf))
}

// requireParseResults checks the clienthello_parse_total counter.
func requireParseResults(t *testing.T, m *metrics.Metrics, result string, n int) {
	t.Helper()

	const header = "# HELP sniparse_clienthello_parse_total ClientHello parse results by outcome.\n" +
		"# TYPE sniparse_clienthello_parse_total counter\n"
	want := header + "sniparse_clienthello_parse_total{result=\"" + result + "\"} " +
		strconv.Itoa(n) + "\n"

	err := testutil.GatherAndCompare(
		m.Registry(),
		strings.NewReader(want),
		"sniparse_clienthello_parse_total",
	)
	require.NoError(t, err)
}

func TestSNIProxy_fixedUpstream(t *testing.T) {
	upstream, accepted := startEchoServer(t)
	m := metrics.New()
	p := startProxy(t, &Config{Upstream: upstream, Metrics: m})

	first := newClientHello("example.com")
	conn := dialProxy(t, p, first)

	requireEcho(t, conn, first)
	assert.Len(t, accepted, 1)

	requireParseResults(t, m, "ok", 1)
}

func TestSNIProxy_notTLS(t *testing.T) {
	upstream, _ := startEchoServer(t)
	first := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")

	t.Run("forwarded", func(t *testing.T) {
		m := metrics.New()
		p := startProxy(t, &Config{Upstream: upstream, Metrics: m})

		requireEcho(t, dialProxy(t, p, first), first)
		requireParseResults(t, m, "content_type", 1)
	})

	t.Run("rejected", func(t *testing.T) {
		p := startProxy(t, &Config{Upstream: upstream, RejectMalformed: true})

		requireClosed(t, dialProxy(t, p, first))
	})
}

func TestSNIProxy_rejectMalformedKeepsNoServerName(t *testing.T) {
	upstream, accepted := startEchoServer(t)
	m := metrics.New()
	p := startProxy(t, &Config{Upstream: upstream, RejectMalformed: true, Metrics: m})

	// The only extension declares 3 bytes of data but has 2.
	first := newClientHelloExts([]byte{0x00, 0x17, 0x00, 0x03, 1, 2})

	_, err := clienthello.Parse(first)
	require.ErrorIs(t, err, clienthello.ErrNoServerName)

	requireEcho(t, dialProxy(t, p, first), first)
	assert.Len(t, accepted, 1)
	requireParseResults(t, m, "no_server_name", 1)
}

func TestSNIProxy_notStarted(t *testing.T) {
	p, err := New(&Config{})
	require.NoError(t, err)

	assert.Nil(t, p.Addr())
	assert.NoError(t, p.Close())
}

func TestSNIProxy_blockRules(t *testing.T) {
	upstream, accepted := startEchoServer(t)
	m := metrics.New()
	p := startProxy(t, &Config{
		Upstream:   upstream,
		BlockRules: []string{"*.blocked.example"},
		Metrics:    m,
	})

	requireClosed(t, dialProxy(t, p, newClientHello("www.Blocked.example")))
	assert.Empty(t, accepted)

	first := newClientHello("allowed.example")
	requireEcho(t, dialProxy(t, p, first), first)
}

func TestSNIProxy_echoOnly(t *testing.T) {
	m := metrics.New()
	p := startProxy(t, &Config{EchoOnly: true, Metrics: m})

	requireClosed(t, dialProxy(t, p, newClientHello("echo.example")))
	requireParseResults(t, m, "ok", 1)
}

func TestSNIProxy_noUpstream(t *testing.T) {
	p := startProxy(t, &Config{})

	// Valid TLS but without SNI there is nowhere to route to.
	hello := newClientHello("")
	_, err := clienthello.Parse(hello)
	require.ErrorIs(t, err, clienthello.ErrNoServerName)

	requireClosed(t, dialProxy(t, p, hello))
}

func TestSNIProxy_closeActiveTunnel(t *testing.T) {
	upstream, _ := startEchoServer(t)

	p, err := New(&Config{
		ListenAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)},
		Upstream:   upstream,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	first := newClientHello("example.com")
	conn := dialProxy(t, p, first)
	requireEcho(t, conn, first)

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	select {
	case err = <-closed:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("close did not return")
	}
}

func TestUpstreamAddr(t *testing.T) {
	p := &SNIProxy{}

	addr, err := p.upstreamAddr(&ConnContext{ServerName: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, "example.com:443", addr)

	_, err = p.upstreamAddr(&ConnContext{})
	assert.ErrorIs(t, err, errNoUpstream)

	p.upstream = "10.0.0.1:8001"
	addr, err = p.upstreamAddr(&ConnContext{ServerName: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8001", addr)
}

func TestResultLabel(t *testing.T) {
	testCases := []struct {
		buf  []byte
		want string
	}{{
		buf:  newClientHello("example.com"),
		want: "ok",
	}, {
		buf:  []byte{22},
		want: "truncated",
	}, {
		buf:  []byte{23, 3, 3, 0, 0},
		want: "content_type",
	}, {
		buf:  []byte{22, 3, 3, 0, 1, 2},
		want: "handshake_type",
	}}

	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			_, err := clienthello.Parse(tc.buf)
			assert.Equal(t, tc.want, resultLabel(err))
		})
	}
}
