package conn

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/WhileEndless/go-keepalive/pkg/errors"
	"github.com/WhileEndless/go-keepalive/pkg/timing"
)

// TunnelConn is an https connection carried through an HTTP proxy with
// CONNECT. Until EstablishTunnel succeeds it is a plain socket to the proxy.
type TunnelConn struct {
	*NetConn

	dialer *Dialer
	host   string
	port   int

	mu          sync.Mutex
	established bool
}

// Tunneled reports whether the CONNECT handshake and TLS have completed.
func (t *TunnelConn) Tunneled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.established
}

// EstablishTunnel asks the proxy for a tunnel to the target and wraps it in
// TLS. Each TLS profile is tried on its own proxy connection. A proxy that
// refuses the tunnel fails with a proxy-connect error and closes the socket.
func (t *TunnelConn) EstablishTunnel(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.established {
		return nil
	}

	d := t.dialer
	timer := timing.NewTimer()
	var lastErr error

	for i, profile := range d.negotiator.Profiles() {
		if i > 0 {
			nc, err := d.dialProxy(ctx, timer)
			if err != nil {
				t.NetConn.Close()
				return err
			}
			t.swap(nc)
		}

		raw := t.raw()
		if err := t.connect(ctx, raw, timer); err != nil {
			t.NetConn.Close()
			return err
		}

		tc, err := d.handshake(ctx, raw, t.host, profile, timer)
		if err == nil {
			d.negotiator.Succeeded(profile)
			t.swap(tc)
			t.addMetrics(timer.GetMetrics())
			t.established = true
			d.logger.Debug().Str("conn_id", t.ID()).Str("host", t.HostKey()).
				Str("profile", profile.Name).Msg("tunnel established")
			return nil
		}

		raw.Close()
		lastErr = err
		d.logger.Debug().Err(err).Str("host", t.HostKey()).Str("profile", profile.Name).
			Msg("TLS handshake through tunnel failed")
		if ctx.Err() != nil {
			break
		}
	}

	t.NetConn.Close()
	return d.tlsFailure(t.host, t.port, lastErr)
}

// connect performs the CONNECT exchange on raw. The proxy's header block is
// discarded; no bytes may follow it before the TLS handshake.
func (t *TunnelConn) connect(ctx context.Context, raw net.Conn, timer *timing.Timer) error {
	d := t.dialer
	p := d.opts.Proxy
	target := net.JoinHostPort(t.host, strconv.Itoa(t.port))

	timer.StartProxy()
	defer timer.EndProxy()

	deadline := time.Now().Add(d.opts.ConnTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := raw.SetDeadline(deadline); err != nil {
		return errors.NewIOError("setting proxy deadline", err)
	}
	defer raw.SetDeadline(time.Time{})

	var b strings.Builder
	b.WriteString("CONNECT " + target + " HTTP/1.1\r\n")
	b.WriteString("Host: " + target + "\r\n")
	b.WriteString("Proxy-Connection: keep-alive\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	if auth := p.AuthorizationHeader(); auth != "" {
		b.WriteString("Proxy-Authorization: " + auth + "\r\n")
	}
	b.WriteString("\r\n")

	if _, err := raw.Write([]byte(b.String())); err != nil {
		return t.proxyFailure(err)
	}

	br := bufio.NewReader(raw)
	status, err := br.ReadString('\n')
	if err != nil {
		return t.proxyFailure(err)
	}
	code, reason, ok := parseProxyStatus(status)
	if !ok {
		return errors.NewProxyConnectError(p.Addr(), 0, "",
			errors.NewProtocolError("malformed CONNECT response "+strconv.Quote(strings.TrimSpace(status)), nil))
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return t.proxyFailure(err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	if code < 200 || code > 299 {
		return errors.NewProxyConnectError(p.Addr(), code, reason, nil)
	}
	if br.Buffered() > 0 {
		return errors.NewProxyConnectError(p.Addr(), code, reason,
			errors.NewProtocolError("unexpected data after CONNECT response", nil))
	}
	return nil
}

func (t *TunnelConn) proxyFailure(err error) error {
	p := t.dialer.opts.Proxy
	if errors.IsTimeoutError(err) {
		return errors.NewTimeoutError("proxy CONNECT", t.dialer.opts.ConnTimeout).WithHost(p.Host, p.Port)
	}
	return errors.NewProxyConnectError(p.Addr(), 0, "", err)
}

func parseProxyStatus(line string) (int, string, bool) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, "", false
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", false
	}
	reason := ""
	if len(parts) == 3 {
		reason = strings.TrimSpace(parts[2])
	}
	return code, reason, true
}
