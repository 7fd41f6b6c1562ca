// Package httpupstream adds HTTP and HTTPS CONNECT proxies to the schemes
// supported by [proxy.FromURL].  Importing it for side effects is enough.
package httpupstream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/ameshkov/sniparse/internal/version"
	"golang.org/x/net/proxy"
)

// maxResponseHeaderLen limits the CONNECT response that is read byte by byte.
const maxResponseHeaderLen = 16 * 1024

// Dialer tunnels connections through an HTTP or HTTPS proxy with the CONNECT
// method.
type Dialer struct {
	next     proxy.ContextDialer
	userinfo *url.Userinfo
	address  string
	tls      bool
}

// type check
var (
	_ proxy.Dialer        = (*Dialer)(nil)
	_ proxy.ContextDialer = (*Dialer)(nil)
)

func init() {
	proxy.RegisterDialerType("http", FromURL)
	proxy.RegisterDialerType("https", FromURL)
}

// New creates a new *Dialer that connects to the proxy at address using next.
func New(address string, useTLS bool, userinfo *url.Userinfo, next proxy.Dialer) (d *Dialer) {
	return &Dialer{
		next:     contextDialer(next),
		userinfo: userinfo,
		address:  address,
		tls:      useTLS,
	}
}

// FromURL creates a *Dialer from an http:// or https:// URL.  It has the
// signature required by [proxy.RegisterDialerType].
func FromURL(u *url.URL, next proxy.Dialer) (d proxy.Dialer, err error) {
	port := u.Port()

	var useTLS bool
	switch strings.ToLower(u.Scheme) {
	case "http":
		if port == "" {
			port = "80"
		}
	case "https":
		useTLS = true
		if port == "" {
			port = "443"
		}
	default:
		return nil, fmt.Errorf("httpupstream: unsupported scheme %q", u.Scheme)
	}

	return New(net.JoinHostPort(u.Hostname(), port), useTLS, u.User, next), nil
}

// Dial implements the [proxy.Dialer] interface for *Dialer.
func (d *Dialer) Dial(network, address string) (conn net.Conn, err error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext implements the [proxy.ContextDialer] interface for *Dialer.
func (d *Dialer) DialContext(
	ctx context.Context,
	network string,
	address string,
) (conn net.Conn, err error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		// Go on.
	default:
		return nil, fmt.Errorf("httpupstream: unsupported network %q", network)
	}

	conn, err = d.next.DialContext(ctx, "tcp", d.address)
	if err != nil {
		return nil, fmt.Errorf("httpupstream: connecting to proxy: %w", err)
	}

	if d.tls {
		serverName, sErr := netutil.SplitHost(d.address)
		if sErr != nil {
			serverName = d.address
		}

		conn = tls.Client(conn, &tls.Config{ServerName: serverName})
	}

	// Unblock the handshake below when the context is canceled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	err = d.connect(conn, address)
	if !stop() {
		// The connection has already been closed by the context.
		return nil, fmt.Errorf("httpupstream: %w", ctx.Err())
	} else if err != nil {
		log.OnCloserError(conn, log.DEBUG)

		return nil, err
	}

	return conn, nil
}

// connect sends the CONNECT request for address and checks the response.
func (d *Dialer) connect(conn net.Conn, address string) (err error) {
	req := &bytes.Buffer{}
	_, _ = fmt.Fprintf(req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", address, address)
	if d.userinfo != nil {
		_, _ = fmt.Fprintf(req, "Proxy-Authorization: %s\r\n", basicAuth(d.userinfo))
	}
	_, _ = fmt.Fprintf(req, "User-Agent: sniparse/%s\r\n\r\n", version.VersionString)

	_, err = req.WriteTo(conn)
	if err != nil {
		return fmt.Errorf("httpupstream: writing connect request: %w", err)
	}

	resp, err := readResponse(conn)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpupstream: bad status code from proxy: %d", resp.StatusCode)
	}

	return nil
}

// headerEnd terminates the header block of an HTTP response.
var headerEnd = []byte("\r\n\r\n")

// readResponse reads the response header of a CONNECT request.  It reads one
// byte at a time so that no tunneled data ends up in a buffer.
func readResponse(r io.Reader) (resp *http.Response, err error) {
	buf := &bytes.Buffer{}
	b := make([]byte, 1)
	for !bytes.HasSuffix(buf.Bytes(), headerEnd) {
		if buf.Len() > maxResponseHeaderLen {
			return nil, fmt.Errorf("httpupstream: response header exceeds %d bytes", maxResponseHeaderLen)
		}

		var n int
		n, err = r.Read(b)
		if err != nil {
			return nil, fmt.Errorf("httpupstream: reading response: %w", err)
		}

		buf.Write(b[:n])
	}

	resp, err = http.ReadResponse(bufio.NewReader(buf), nil)
	if err != nil {
		return nil, fmt.Errorf("httpupstream: decoding response: %w", err)
	}

	return resp, nil
}

// basicAuth returns the value of the Proxy-Authorization header.
func basicAuth(u *url.Userinfo) (v string) {
	password, _ := u.Password()
	creds := u.Username() + ":" + password

	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

// ctxDialer adds context support to a plain [proxy.Dialer].
type ctxDialer struct {
	d proxy.Dialer
}

// type check
var _ proxy.ContextDialer = ctxDialer{}

// DialContext implements the [proxy.ContextDialer] interface for ctxDialer.
func (cd ctxDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		conn, err := cd.d.Dial(network, address)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				log.OnCloserError(res.conn, log.DEBUG)
			}
		}()

		return nil, ctx.Err()
	case res := <-ch:
		return res.conn, res.err
	}
}

// contextDialer returns d as a [proxy.ContextDialer], wrapping it if needed.
func contextDialer(d proxy.Dialer) (cd proxy.ContextDialer) {
	if xd, ok := d.(proxy.ContextDialer); ok {
		return xd
	}

	return ctxDialer{d: d}
}
