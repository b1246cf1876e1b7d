// Package client runs HTTP/1.1 exchanges over pooled keep-alive connections.
//
// A Client borrows a connection from a pool.Manager, writes the request,
// reads the response head and materializes the body. A reused connection that
// fails before a response head arrives is assumed to have been closed by the
// peer while idle: it is replaced once and the exchange retried on the new
// connection. Any other failure, or a second one, is returned to the caller.
package client

import (
	"bufio"
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/WhileEndless/go-keepalive/pkg/conn"
	"github.com/WhileEndless/go-keepalive/pkg/constants"
	"github.com/WhileEndless/go-keepalive/pkg/errors"
	"github.com/WhileEndless/go-keepalive/pkg/metrics"
	"github.com/WhileEndless/go-keepalive/pkg/pool"
	"github.com/WhileEndless/go-keepalive/pkg/request"
	"github.com/WhileEndless/go-keepalive/pkg/response"
	"github.com/WhileEndless/go-keepalive/pkg/timing"
)

// Options controls how the Client runs exchanges.
type Options struct {
	// Timeout bounds every write and read of an exchange when the request
	// carries none.
	Timeout time.Duration

	// MaxResponseSize is the body ceiling in bytes. Zero disables it.
	MaxResponseSize int64

	// DefaultHeaders are sent unless the request sets them itself.
	DefaultHeaders request.Header

	Logger  *zerolog.Logger
	Metrics *metrics.Collector
}

// Client is the transport handler. It is safe for concurrent use.
type Client struct {
	pool    *pool.Manager
	factory conn.Factory
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// result classifies a single attempt.
type result int

const (
	resultOK result = iota
	// resultStale means a reused connection died before answering.
	resultStale
	resultFatal
)

// New creates a Client that borrows connections from m and creates new ones
// with f.
func New(m *pool.Manager, f conn.Factory, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultTimeout
	}
	c := &Client{
		pool:    m,
		factory: f,
		opts:    opts,
		metrics: opts.Metrics,
	}
	if opts.Logger != nil {
		c.logger = opts.Logger.With().Str("component", "client").Logger()
	} else {
		c.logger = log.With().Str("component", "client").Logger()
	}
	return c
}

// Send performs req and returns its response with the body loaded. A body
// larger than MaxResponseSize yields an empty 204 response, not an error.
func (c *Client) Send(ctx context.Context, req *request.Request) (*response.Response, error) {
	payload, err := req.Encode(c.opts.DefaultHeaders)
	if err != nil {
		return nil, err
	}
	hostKey := req.HostKey()

	cn, err := c.pool.Acquire(ctx, hostKey, c.factory)
	if err != nil {
		c.metrics.RequestDone(hostKey, outcome(err))
		return nil, err
	}

	resp, res, err := c.exchange(ctx, cn, req, payload)
	if res == resultStale {
		c.logger.Debug().Str("host", hostKey).Str("conn_id", cn.ID()).Err(err).
			Msg("reused connection failed, retrying on a new one")

		cn, err = c.pool.Replace(ctx, cn, hostKey, c.factory)
		if err != nil {
			c.metrics.RequestDone(hostKey, outcome(err))
			return nil, err
		}
		resp, _, err = c.exchange(ctx, cn, req, payload)
	}
	if err != nil {
		c.metrics.RequestDone(hostKey, outcome(err))
		c.logger.Debug().Str("host", hostKey).Str("method", req.Method).
			Str("selector", req.Selector()).Err(err).Msg("HTTP request failed")
		return nil, err
	}

	if resp.BodyTooLarge() {
		c.metrics.RequestDone(hostKey, "too_large")
		c.logger.Debug().Str("host", hostKey).Str("selector", req.Selector()).
			Int64("max_size", c.opts.MaxResponseSize).Msg("response body over size ceiling, returning empty response")
	} else {
		c.metrics.RequestDone(hostKey, "ok")
	}
	c.logger.Debug().Str("selector", req.Selector()).Int("status", resp.StatusCode).
		Str("reason", resp.Reason).Str("conn_id", resp.ConnID).Dur("wait", resp.WaitTime()).
		Msg("HTTP response")
	return resp, nil
}

// exchange runs one attempt of req on cn. Every failure leaves cn removed
// from the pool, except resultStale, which leaves it to the caller's Replace.
func (c *Client) exchange(ctx context.Context, cn conn.Conn, req *request.Request, payload []byte) (*response.Response, result, error) {
	hostKey := cn.HostKey()
	if err := ctx.Err(); err != nil {
		c.pool.Release(cn)
		return nil, resultFatal, err
	}

	fresh := cn.IsFresh()
	cn.MarkUsed()
	attempt := cn.Requests()

	if fresh {
		if t, ok := cn.(conn.Tunneler); ok {
			if err := t.EstablishTunnel(ctx); err != nil {
				c.pool.Remove(cn, hostKey, pool.ReasonError)
				return nil, resultFatal, err
			}
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := cn.SetDeadline(deadline); err != nil {
		return c.fail(cn, req, fresh, "setting deadline", err, timeout)
	}

	timer := timing.NewTimer()
	timer.StartWait()
	if err := cn.Send(payload); err != nil {
		return c.fail(cn, req, fresh, "writing request", err, timeout)
	}

	br := cn.Reader()
	var resp *response.Response
	resp, err := response.ReadHead(br, req.Method, response.Options{
		MaxBodySize: c.opts.MaxResponseSize,
		URL:         req.FullURL(),
		Release: func(reusable bool) {
			c.finish(cn, req, resp, br, reusable)
		},
		Remove: func() {
			// Drop only the idle connection this response used.
			if cn.Requests() == attempt {
				c.pool.RemoveIfFree(cn, pool.ReasonRequested)
			}
		},
	})
	if err != nil {
		return c.fail(cn, req, fresh, "reading response", err, timeout)
	}
	timer.EndWait()

	m := timer.GetMetrics()
	if fresh {
		m = m.Add(cn.Metrics())
	}
	resp.ConnID = cn.ID()
	resp.Reused = !fresh
	resp.Timings = m
	resp.SetWaitTime(m.Wait)
	c.metrics.ObserveResponseWait(m.Wait)

	if err := resp.Load(); err != nil {
		// Load already handed the connection back as not reusable.
		return nil, resultFatal, c.classify("reading response body", err, timeout, req)
	}
	return resp, resultOK, nil
}

// finish returns cn to the pool once its response is done with it.
func (c *Client) finish(cn conn.Conn, req *request.Request, resp *response.Response, br *bufio.Reader, reusable bool) {
	hostKey := cn.HostKey()
	reason := pool.ReasonError
	switch {
	case resp != nil && resp.WillClose:
		reusable = false
		reason = pool.ReasonWillClose
	case !reusable:
	case req.NewConnection:
		reusable = false
		reason = pool.ReasonNewConnection
	case br.Buffered() > 0:
		reusable = false
		reason = pool.ReasonUnread
	}

	if !reusable {
		c.pool.Remove(cn, hostKey, reason)
		return
	}
	if err := cn.SetDeadline(time.Time{}); err != nil {
		c.pool.Remove(cn, hostKey, pool.ReasonError)
		return
	}
	c.pool.Release(cn)
}

// fail handles an error raised before a response head was read.
func (c *Client) fail(cn conn.Conn, req *request.Request, fresh bool, op string, err error, timeout time.Duration) (*response.Response, result, error) {
	hostKey := cn.HostKey()
	if errors.IsTimeoutError(err) {
		c.pool.Remove(cn, hostKey, pool.ReasonTimeout)
		return nil, resultFatal, c.classify(op, err, timeout, req)
	}
	if !fresh {
		return nil, resultStale, err
	}
	c.pool.Remove(cn, hostKey, pool.ReasonError)
	return nil, resultFatal, c.classify(op, err, timeout, req)
}

// classify maps err to the transport error taxonomy.
func (c *Client) classify(op string, err error, timeout time.Duration, req *request.Request) error {
	if errors.IsContextCanceled(err) {
		return err
	}
	if errors.IsTimeoutError(err) {
		e := errors.NewTimeoutError(op, timeout).WithHost(req.Host(), req.Port())
		e.Cause = err
		return e
	}
	if errors.GetErrorType(err) != "" {
		return err
	}
	return errors.NewSocketError(op, err).WithHost(req.Host(), req.Port())
}

// outcome labels a failed exchange for metrics.
func outcome(err error) string {
	if t := errors.GetErrorType(err); t != "" {
		return string(t)
	}
	if errors.IsContextCanceled(err) {
		return "canceled"
	}
	return "error"
}
