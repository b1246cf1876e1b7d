package conn

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	xproxy "golang.org/x/net/proxy"

	"github.com/WhileEndless/go-keepalive/pkg/constants"
	"github.com/WhileEndless/go-keepalive/pkg/errors"
	"github.com/WhileEndless/go-keepalive/pkg/proxy"
	"github.com/WhileEndless/go-keepalive/pkg/sockopt"
	"github.com/WhileEndless/go-keepalive/pkg/timing"
	"github.com/WhileEndless/go-keepalive/pkg/tlsconfig"
)

// DialerOptions configures how connections are created.
type DialerOptions struct {
	// ConnTimeout bounds DNS, TCP connect, CONNECT and each TLS handshake.
	ConnTimeout time.Duration

	// Proxy routes connections through a forward proxy. HTTP proxies tunnel
	// https targets with CONNECT; SOCKS5 proxies carry both schemes.
	Proxy *proxy.Config

	// VerifyTLS enables certificate verification.
	VerifyTLS bool

	// TLSConfig is cloned for every handshake.
	TLSConfig *tls.Config

	// Profiles is the initial TLS version negotiation order.
	Profiles []tlsconfig.VersionProfile

	Resolver *net.Resolver
	Logger   *zerolog.Logger
}

// Dialer creates plain, TLS and tunneled connections.
type Dialer struct {
	opts       DialerOptions
	resolver   *net.Resolver
	negotiator *tlsconfig.Negotiator
	socks      xproxy.ContextDialer
	logger     zerolog.Logger
}

// NewDialer creates a Dialer.
func NewDialer(opts DialerOptions) (*Dialer, error) {
	if opts.ConnTimeout <= 0 {
		opts.ConnTimeout = constants.DefaultConnTimeout
	}

	d := &Dialer{
		opts:       opts,
		resolver:   opts.Resolver,
		negotiator: tlsconfig.NewNegotiator(opts.Profiles),
	}
	if d.resolver == nil {
		d.resolver = net.DefaultResolver
	}
	if opts.Logger != nil {
		d.logger = opts.Logger.With().Str("component", "dialer").Logger()
	} else {
		d.logger = log.With().Str("component", "dialer").Logger()
	}

	if opts.Proxy.IsSOCKS() {
		var auth *xproxy.Auth
		if opts.Proxy.Username != "" {
			auth = &xproxy.Auth{User: opts.Proxy.Username, Password: opts.Proxy.Password}
		}
		sd, err := xproxy.SOCKS5("tcp", opts.Proxy.Addr(), auth, d.tcpDialer())
		if err != nil {
			return nil, errors.NewValidationError("invalid SOCKS5 proxy " + opts.Proxy.String() + ": " + err.Error())
		}
		cd, ok := sd.(xproxy.ContextDialer)
		if !ok {
			return nil, errors.NewValidationError("SOCKS5 dialer does not support contexts")
		}
		d.socks = cd
	}
	return d, nil
}

// Negotiator returns the TLS version negotiator shared by all connections.
func (d *Dialer) Negotiator() *tlsconfig.Negotiator {
	return d.negotiator
}

// Factory returns a connection factory for scheme ("http" or "https").
func (d *Dialer) Factory(scheme string) Factory {
	scheme = strings.ToLower(scheme)
	return func(ctx context.Context, hostKey string) (Conn, error) {
		return d.Dial(ctx, scheme, hostKey)
	}
}

// Dial creates a connection to hostKey. An https connection through an HTTP
// proxy is returned connected to the proxy only; its tunnel is built by
// EstablishTunnel.
func (d *Dialer) Dial(ctx context.Context, scheme, hostKey string) (Conn, error) {
	host, port, err := splitHostKey(hostKey)
	if err != nil {
		return nil, err
	}
	if scheme != "http" && scheme != "https" {
		return nil, errors.NewValidationError("scheme must be http or https")
	}

	timer := timing.NewTimer()

	switch {
	case scheme == "https" && d.opts.Proxy.IsConnect():
		nc, err := d.dialProxy(ctx, timer)
		if err != nil {
			return nil, err
		}
		t := &TunnelConn{
			NetConn: Wrap(nc, hostKey, KindTunnel, timer.GetMetrics()),
			dialer:  d,
			host:    host,
			port:    port,
		}
		d.logger.Debug().Str("conn_id", t.ID()).Str("host", hostKey).
			Str("proxy", d.opts.Proxy.String()).Msg("connected to proxy")
		return t, nil

	case scheme == "https":
		c, err := d.dialTLS(ctx, host, port, timer)
		if err != nil {
			return nil, err
		}
		d.logger.Debug().Str("conn_id", c.ID()).Str("host", hostKey).Msg("opened TLS connection")
		return c, nil

	default:
		nc, err := d.dialTarget(ctx, host, port, timer)
		if err != nil {
			return nil, err
		}
		c := Wrap(nc, hostKey, KindPlain, timer.GetMetrics())
		d.logger.Debug().Str("conn_id", c.ID()).Str("host", hostKey).Msg("opened connection")
		return c, nil
	}
}

func splitHostKey(hostKey string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostKey)
	if err != nil {
		return "", 0, errors.NewValidationError("invalid host key " + hostKey + ": " + err.Error())
	}
	if host == "" {
		return "", 0, errors.NewValidationError("host cannot be empty")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.NewValidationError("port must be between 1 and 65535")
	}
	return host, port, nil
}

// dialTLS tries each TLS profile in preference order on a new TCP
// connection and promotes the first that completes a handshake.
func (d *Dialer) dialTLS(ctx context.Context, host string, port int, timer *timing.Timer) (*NetConn, error) {
	var lastErr error
	for _, profile := range d.negotiator.Profiles() {
		nc, err := d.dialTarget(ctx, host, port, timer)
		if err != nil {
			return nil, err
		}
		tc, err := d.handshake(ctx, nc, host, profile, timer)
		if err == nil {
			d.negotiator.Succeeded(profile)
			hostKey := net.JoinHostPort(host, strconv.Itoa(port))
			return Wrap(tc, hostKey, KindTLS, timer.GetMetrics()), nil
		}
		nc.Close()
		lastErr = err
		d.logger.Debug().Err(err).Str("host", host).Str("profile", profile.Name).Msg("TLS handshake failed")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, d.tlsFailure(host, port, lastErr)
}

func (d *Dialer) tlsFailure(host string, port int, err error) error {
	if errors.IsTimeoutError(err) {
		return errors.NewTimeoutError("TLS handshake", d.opts.ConnTimeout).WithHost(host, port)
	}
	return errors.NewTLSError(host, port, err)
}

func (d *Dialer) handshake(ctx context.Context, nc net.Conn, serverName string, profile tlsconfig.VersionProfile, timer *timing.Timer) (*tls.Conn, error) {
	timer.StartTLS()
	defer timer.EndTLS()

	hsCtx, cancel := context.WithTimeout(ctx, d.opts.ConnTimeout)
	defer cancel()

	cfg := d.negotiator.Config(d.opts.TLSConfig, serverName, !d.opts.VerifyTLS, profile)
	tc := tls.Client(nc, cfg)
	if err := tc.HandshakeContext(hsCtx); err != nil {
		return nil, err
	}
	return tc, nil
}

// dialTarget opens a TCP connection to the target, through SOCKS5 when
// configured.
func (d *Dialer) dialTarget(ctx context.Context, host string, port int, timer *timing.Timer) (net.Conn, error) {
	if d.socks != nil {
		return d.dialSOCKS(ctx, host, port, timer)
	}
	addr, err := d.resolve(ctx, host, port, timer)
	if err != nil {
		return nil, err
	}
	nc, err := d.dialTCP(ctx, addr, timer)
	if err != nil {
		return nil, d.connectFailure(host, port, err)
	}
	return nc, nil
}

func (d *Dialer) dialSOCKS(ctx context.Context, host string, port int, timer *timing.Timer) (net.Conn, error) {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	if d.opts.Proxy.Type == "socks5" {
		addr, err := d.resolve(ctx, host, port, timer)
		if err != nil {
			return nil, err
		}
		target = addr
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.opts.ConnTimeout)
	defer cancel()

	timer.StartProxy()
	nc, err := d.socks.DialContext(dialCtx, "tcp", target)
	timer.EndProxy()
	if err != nil {
		if errors.IsTimeoutError(err) {
			return nil, errors.NewTimeoutError("SOCKS5 connect", d.opts.ConnTimeout).WithHost(host, port)
		}
		return nil, errors.NewProxyConnectError(d.opts.Proxy.Addr(), 0, "", err)
	}
	d.optimize(nc)
	return nc, nil
}

// dialProxy opens a TCP connection to the HTTP proxy.
func (d *Dialer) dialProxy(ctx context.Context, timer *timing.Timer) (net.Conn, error) {
	p := d.opts.Proxy
	addr, err := d.resolve(ctx, p.Host, p.Port, timer)
	if err != nil {
		return nil, err
	}
	nc, err := d.dialTCP(ctx, addr, timer)
	if err != nil {
		return nil, d.connectFailure(p.Host, p.Port, err)
	}
	return nc, nil
}

func (d *Dialer) connectFailure(host string, port int, err error) error {
	if errors.IsTimeoutError(err) {
		return errors.NewTimeoutError("connect", d.opts.ConnTimeout).WithHost(host, port)
	}
	return errors.NewConnectionError(host, port, err)
}

func (d *Dialer) resolve(ctx context.Context, host string, port int, timer *timing.Timer) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(host, strconv.Itoa(port)), nil
	}

	timer.StartDNS()
	defer timer.EndDNS()

	lookupCtx, cancel := context.WithTimeout(ctx, d.opts.ConnTimeout)
	defer cancel()

	addrs, err := d.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return "", errors.NewDNSError(host, err)
	}
	if len(addrs) == 0 {
		return "", errors.NewDNSError(host, errors.NewValidationError("no IP addresses found"))
	}
	return net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(port)), nil
}

func (d *Dialer) tcpDialer() *net.Dialer {
	return &net.Dialer{
		Timeout: d.opts.ConnTimeout,
		Control: sockopt.DialControl(),
	}
}

func (d *Dialer) dialTCP(ctx context.Context, addr string, timer *timing.Timer) (net.Conn, error) {
	timer.StartTCP()
	defer timer.EndTCP()

	nc, err := d.tcpDialer().DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	d.optimize(nc)
	return nc, nil
}

func (d *Dialer) optimize(nc net.Conn) {
	if err := sockopt.OptimizeConn(nc); err != nil {
		d.logger.Debug().Err(err).Msg("setting keep-alive socket options")
	}
}
