// Package sniproxy is a transparent TCP proxy that reads the first segment a
// client sends, extracts the server name from its TLS ClientHello, and
// tunnels the still-encrypted connection to an upstream without terminating
// TLS.
package sniproxy

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/ameshkov/sniparse/internal/clienthello"
	"github.com/ameshkov/sniparse/internal/filter"
	"github.com/ameshkov/sniparse/internal/metrics"
	"github.com/fujiwara/shapeio"
	"golang.org/x/net/proxy"

	// Imported in order to register HTTP and HTTPS proxies.
	_ "github.com/ameshkov/sniparse/internal/httpupstream"
)

const (
	// readTimeout is the timeout for the first read from a client.
	readTimeout = 10 * time.Second

	// connectionTimeout is the timeout for connecting to an upstream.
	connectionTimeout = 10 * time.Second

	// remotePortTLS is the port used when the upstream is taken from SNI.
	remotePortTLS = 443
)

// errNoUpstream is returned when there is neither a fixed upstream nor a
// server name to route by.
const errNoUpstream errors.Error = "no upstream for connection without server name"

// SNIProxy accepts TLS connections, logs the server name of each, and tunnels
// them to the upstream.
type SNIProxy struct {
	listenAddr *net.TCPAddr
	listener   net.Listener

	dialer      *net.Dialer
	proxyDialer proxy.Dialer

	metrics *metrics.Metrics

	// connsMu protects conns and closed.
	connsMu *sync.Mutex
	conns   map[net.Conn]struct{}
	closed  bool

	wg *sync.WaitGroup

	upstream     string
	forwardRules []string
	blockRules   []string

	readSize      int
	bandwidthRate float64

	rejectMalformed bool
	echoOnly        bool
}

// type check
var _ io.Closer = (*SNIProxy)(nil)

// New creates a new instance of *SNIProxy.
func New(cfg *Config) (p *SNIProxy, err error) {
	dialer := &net.Dialer{
		Timeout: connectionTimeout,
	}

	var proxyDialer proxy.Dialer
	if cfg.ForwardProxy != "" {
		var u *url.URL
		u, err = url.Parse(cfg.ForwardProxy)
		if err != nil {
			return nil, fmt.Errorf("sniproxy: parsing forward proxy %q: %w", cfg.ForwardProxy, err)
		}

		proxyDialer, err = proxy.FromURL(u, dialer)
		if err != nil {
			return nil, fmt.Errorf("sniproxy: init forward proxy %q: %w", cfg.ForwardProxy, err)
		}
	}

	readSize := cfg.ReadSize
	if readSize <= 0 {
		readSize = DefaultReadSize
	}

	return &SNIProxy{
		listenAddr:      cfg.ListenAddr,
		dialer:          dialer,
		proxyDialer:     proxyDialer,
		metrics:         cfg.Metrics,
		connsMu:         &sync.Mutex{},
		conns:           map[net.Conn]struct{}{},
		wg:              &sync.WaitGroup{},
		upstream:        cfg.Upstream,
		forwardRules:    cfg.ForwardRules,
		blockRules:      cfg.BlockRules,
		readSize:        readSize,
		bandwidthRate:   cfg.BandwidthRate,
		rejectMalformed: cfg.RejectMalformed,
		echoOnly:        cfg.EchoOnly,
	}, nil
}

// Start starts listening and accepting connections in a separate goroutine.
func (p *SNIProxy) Start() (err error) {
	log.Info("sniproxy: starting")

	l, err := net.ListenTCP("tcp", p.listenAddr)
	if err != nil {
		return fmt.Errorf("sniproxy: failed to start: %w", err)
	}

	p.listener = l

	go p.acceptLoop()

	log.Info("sniproxy: started successfully")

	return nil
}

// Addr returns the address the proxy listens on.  It returns nil if the proxy
// has not been started.
func (p *SNIProxy) Addr() (addr net.Addr) {
	if p.listener == nil {
		return nil
	}

	return p.listener.Addr()
}

// Close implements the [io.Closer] interface for *SNIProxy.  It stops
// accepting, closes all client connections, and waits for the handlers to
// return.
func (p *SNIProxy) Close() (err error) {
	log.Info("sniproxy: stopping")

	if p.listener != nil {
		err = p.listener.Close()
	}

	p.connsMu.Lock()
	p.closed = true
	for c := range p.conns {
		// The handlers may be closing the same connections concurrently.
		_ = c.Close()
	}
	p.connsMu.Unlock()

	p.wg.Wait()

	log.Info("sniproxy: stopped")

	if err != nil {
		return fmt.Errorf("sniproxy: closing listener: %w", err)
	}

	return nil
}

// acceptLoop accepts incoming TCP connections and starts goroutines handling
// them.
func (p *SNIProxy) acceptLoop() {
	log.Info("sniproxy: listening for TLS connections on %s", p.listener.Addr())

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info("sniproxy: exiting listener loop as it has been closed")

				return
			}

			log.Error("sniproxy: accepting: %s", err)

			continue
		}

		if !p.track(conn, true) {
			log.OnCloserError(conn, log.DEBUG)

			return
		}

		go func() {
			defer p.wg.Done()
			defer p.untrack(conn)

			cErr := p.handleConnection(conn)
			if cErr != nil {
				log.Debug("sniproxy: error handling connection: %v", cErr)
			}
		}()
	}
}

// track remembers conn so that Close can interrupt it.  If handler is true,
// a handler goroutine is also registered for Close to wait for.  It returns
// false if the proxy is already closed, in which case the caller must close
// conn.
func (p *SNIProxy) track(conn net.Conn, handler bool) (ok bool) {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()

	if p.closed {
		return false
	}

	p.conns[conn] = struct{}{}
	if handler {
		p.wg.Add(1)
	}

	return true
}

// untrack forgets conn.
func (p *SNIProxy) untrack(conn net.Conn) {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()

	delete(p.conns, conn)
}

// handleConnection reads the first segment of a client connection, parses its
// ClientHello, and tunnels traffic to the upstream.
func (p *SNIProxy) handleConnection(clientConn net.Conn) (err error) {
	defer log.OnCloserError(clientConn, log.DEBUG)

	p.metrics.ConnectionAccepted()
	ctx := newConnContext(clientConn.RemoteAddr())

	first, err := p.readFirst(clientConn)
	if err != nil {
		return fmt.Errorf("sniproxy: [%d] reading first segment: %w", ctx.ID, err)
	}

	host, parseErr := clienthello.Parse(first)
	p.metrics.ParseResult(resultLabel(parseErr))
	if parseErr != nil {
		log.Debug("sniproxy: [%d] no server name from %s: %s", ctx.ID, ctx.ClientAddr, parseErr)
	} else {
		ctx.ServerName = string(host)
		log.Info("sniproxy: [%d] server name %q from %s", ctx.ID, ctx.ServerName, ctx.ClientAddr)
	}

	if p.echoOnly {
		return nil
	}

	if parseErr != nil && p.rejectMalformed && !clienthello.IsNoServerName(parseErr) {
		return fmt.Errorf("sniproxy: [%d] rejecting: %w", ctx.ID, parseErr)
	}

	if ctx.ServerName != "" && filter.MatchWildcards(ctx.ServerName, p.blockRules) {
		log.Info("sniproxy: [%d] blocked connection to %s", ctx.ID, ctx.ServerName)
		p.metrics.Blocked()

		return nil
	}

	ctx.UpstreamAddr, err = p.upstreamAddr(ctx)
	if err != nil {
		return fmt.Errorf("sniproxy: [%d] %w", ctx.ID, err)
	}

	return p.tunnelTo(ctx, clientConn, first)
}

// readFirst performs a single read of at most p.readSize bytes from conn.
func (p *SNIProxy) readFirst(conn net.Conn) (b []byte, err error) {
	if err = conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}

	b = make([]byte, p.readSize)
	n, err := conn.Read(b)
	if n == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}

		return nil, err
	}

	p.metrics.FirstRead(n)

	if err = conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("removing read deadline: %w", err)
	}

	return b[:n], nil
}

// upstreamAddr returns the address to tunnel the connection to.
func (p *SNIProxy) upstreamAddr(ctx *ConnContext) (addr string, err error) {
	if p.upstream != "" {
		return p.upstream, nil
	}

	if ctx.ServerName == "" {
		return "", errNoUpstream
	}

	return netutil.JoinHostPort(ctx.ServerName, remotePortTLS), nil
}

// tunnelTo connects to the upstream, sends it the already read data, and
// relays traffic in both directions until both sides are done.
func (p *SNIProxy) tunnelTo(ctx *ConnContext, clientConn net.Conn, first []byte) (err error) {
	log.Info("sniproxy: [%d] start tunneling to %s", ctx.ID, ctx.UpstreamAddr)

	upstreamConn, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("sniproxy: [%d] connecting to %s: %w", ctx.ID, ctx.UpstreamAddr, err)
	}
	defer log.OnCloserError(upstreamConn, log.DEBUG)

	if !p.track(upstreamConn, false) {
		return fmt.Errorf("sniproxy: [%d] proxy is closed", ctx.ID)
	}
	defer p.untrack(upstreamConn)

	if _, err = upstreamConn.Write(first); err != nil {
		return fmt.Errorf("sniproxy: [%d] writing first segment: %w", ctx.ID, err)
	}

	defer p.metrics.TunnelStarted()()

	var wg sync.WaitGroup
	wg.Add(2)

	var sent, received int64

	go func() {
		defer wg.Done()

		sent = p.tunnel(ctx, upstreamConn, clientConn)
		p.metrics.Relayed(metrics.DirectionUpstream, sent)
	}()
	go func() {
		defer wg.Done()

		received = p.tunnel(ctx, clientConn, upstreamConn)
		p.metrics.Relayed(metrics.DirectionDownstream, received)
	}()

	wg.Wait()

	log.Info(
		"sniproxy: [%d] finished tunneling to %s. sent %d, received %d",
		ctx.ID,
		ctx.UpstreamAddr,
		int64(len(first))+sent,
		received,
	)

	return nil
}

// dial opens a TCP connection to the upstream, through the forward proxy if
// the forward rules say so.
func (p *SNIProxy) dial(ctx *ConnContext) (conn net.Conn, err error) {
	if p.shouldForward(ctx) {
		return p.proxyDialer.Dial("tcp", ctx.UpstreamAddr)
	}

	return p.dialer.Dial("tcp", ctx.UpstreamAddr)
}

// shouldForward checks if the connection should go through the forward proxy.
func (p *SNIProxy) shouldForward(ctx *ConnContext) (ok bool) {
	if p.proxyDialer == nil {
		return false
	}

	if len(p.forwardRules) == 0 {
		return true
	}

	return filter.MatchWildcards(ctx.ServerName, p.forwardRules)
}

// closeWriter is implemented by connections that support half-close, like
// *net.TCPConn and *tls.Conn.
type closeWriter interface {
	CloseWrite() error
}

// tunnel copies data from src to dst, half-closes dst, and returns the number
// of bytes copied.
func (p *SNIProxy) tunnel(ctx *ConnContext, dst net.Conn, src io.Reader) (written int64) {
	defer func() {
		switch c := dst.(type) {
		case closeWriter:
			_ = c.CloseWrite()
		default:
			_ = c.Close()
		}
	}()

	reader := shapeio.NewReader(src)
	writer := shapeio.NewWriter(dst)
	if p.bandwidthRate > 0 {
		reader.SetRateLimit(p.bandwidthRate)
		writer.SetRateLimit(p.bandwidthRate)
	}

	written, err := io.Copy(writer, reader)
	if err != nil {
		log.Debug("sniproxy: [%d] finished copying due to %v", ctx.ID, err)
	}

	return written
}

// resultLabel returns the metrics label for the result of
// [clienthello.Parse].
func resultLabel(err error) (label string) {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, clienthello.ErrNoServerName):
		return "no_server_name"
	case errors.Is(err, clienthello.ErrTruncatedInput):
		return "truncated"
	case errors.Is(err, clienthello.ErrUnexpectedContentType):
		return "content_type"
	case errors.Is(err, clienthello.ErrUnexpectedHandshakeType):
		return "handshake_type"
	case errors.Is(err, clienthello.ErrMalformedServerNameExtension):
		return "malformed_server_name"
	default:
		return "other"
	}
}
