// Package conn provides the pooled connections the transport runs exchanges
// on, and the dialer that creates them.
package conn

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/WhileEndless/go-keepalive/pkg/errors"
	"github.com/WhileEndless/go-keepalive/pkg/timing"
)

// Kind tells how a connection reaches its target.
type Kind string

const (
	KindPlain  Kind = "http"
	KindTLS    Kind = "https"
	KindTunnel Kind = "tunnel"
)

// Conn is one reusable socket to a single host key. A Conn carries at most
// one exchange at a time; the pool guarantees exclusive lending.
type Conn interface {
	// ID is unique per connection.
	ID() string
	// HostKey is the host:port partition the connection belongs to.
	HostKey() string
	Kind() Kind

	// Send writes p completely.
	Send(p []byte) error
	// Reader is the buffered reader for responses. It lives as long as the
	// connection so no bytes are lost between exchanges.
	Reader() *bufio.Reader
	SetDeadline(t time.Time) error
	Close() error

	// IsFresh reports whether no exchange was attempted on the connection.
	IsFresh() bool
	// MarkUsed records an exchange attempt.
	MarkUsed()
	// Requests returns the number of exchanges attempted.
	Requests() int64
	// Metrics returns the connection setup timings.
	Metrics() timing.Metrics
}

// Tunneler is implemented by connections that must complete a proxy
// handshake before their first exchange.
type Tunneler interface {
	EstablishTunnel(ctx context.Context) error
}

// Factory creates a connection for hostKey.
type Factory func(ctx context.Context, hostKey string) (Conn, error)

// NetConn is a Conn over a net.Conn.
type NetConn struct {
	id      string
	hostKey string
	kind    Kind
	created time.Time

	mu      sync.Mutex // Protects nc, br and metrics
	nc      net.Conn
	br      *bufio.Reader
	metrics timing.Metrics

	used      atomic.Bool
	requests  atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// Wrap turns an established net.Conn into a Conn.
func Wrap(nc net.Conn, hostKey string, kind Kind, metrics timing.Metrics) *NetConn {
	return &NetConn{
		id:      uuid.NewString(),
		hostKey: hostKey,
		kind:    kind,
		created: time.Now(),
		nc:      nc,
		br:      bufio.NewReaderSize(nc, 16*1024),
		metrics: metrics,
	}
}

func (c *NetConn) ID() string      { return c.id }
func (c *NetConn) HostKey() string { return c.hostKey }
func (c *NetConn) Kind() Kind      { return c.kind }

// Created returns when the connection was established.
func (c *NetConn) Created() time.Time { return c.created }

func (c *NetConn) IsFresh() bool   { return !c.used.Load() }
func (c *NetConn) Requests() int64 { return c.requests.Load() }

func (c *NetConn) MarkUsed() {
	c.used.Store(true)
	c.requests.Add(1)
}

func (c *NetConn) Metrics() timing.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *NetConn) Reader() *bufio.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.br
}

// RemoteAddr returns the peer address of the underlying socket.
func (c *NetConn) RemoteAddr() net.Addr {
	return c.raw().RemoteAddr()
}

func (c *NetConn) SetDeadline(t time.Time) error {
	return c.raw().SetDeadline(t)
}

func (c *NetConn) Send(p []byte) error {
	nc := c.raw()
	written := 0
	for written < len(p) {
		n, err := nc.Write(p[written:])
		if err != nil {
			return errors.NewIOError("writing request", err)
		}
		written += n
	}
	return nil
}

// Close closes the socket. Safe for concurrent and repeated calls.
func (c *NetConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw().Close()
	})
	return c.closeErr
}

func (c *NetConn) raw() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// swap replaces the socket, e.g. after wrapping it in TLS. Any buffered
// bytes of the old reader are dropped.
func (c *NetConn) swap(nc net.Conn) {
	c.mu.Lock()
	c.nc = nc
	c.br = bufio.NewReaderSize(nc, 16*1024)
	c.mu.Unlock()
}

func (c *NetConn) addMetrics(m timing.Metrics) {
	c.mu.Lock()
	c.metrics = c.metrics.Add(m)
	c.mu.Unlock()
}
