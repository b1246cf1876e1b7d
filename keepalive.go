// Package keepalive is a keep-alive HTTP/1.1 transport for high-volume
// scanning. It keeps a bounded pool of persistent connections per host,
// recovers transparently from connections the server closed while idle, and
// tunnels HTTPS through forward proxies.
package keepalive

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/WhileEndless/go-keepalive/pkg/client"
	"github.com/WhileEndless/go-keepalive/pkg/config"
	"github.com/WhileEndless/go-keepalive/pkg/conn"
	"github.com/WhileEndless/go-keepalive/pkg/errors"
	"github.com/WhileEndless/go-keepalive/pkg/metrics"
	"github.com/WhileEndless/go-keepalive/pkg/pool"
	"github.com/WhileEndless/go-keepalive/pkg/request"
	"github.com/WhileEndless/go-keepalive/pkg/response"
	"github.com/WhileEndless/go-keepalive/pkg/timing"
)

// Version is the current version of the keepalive library
const Version = "1.0.0"

// GetVersion returns the current version of the library
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage
type (
	// Config is the transport configuration.
	Config = config.Config

	// Request is one HTTP exchange to perform.
	Request = request.Request

	// Header holds request headers.
	Header = request.Header

	// Response is a decoded, re-readable HTTP response.
	Response = response.Response

	// Metrics captures connection setup and wait timings.
	Metrics = timing.Metrics

	// Error represents a structured error with context information.
	Error = errors.Error

	// HostStats is a snapshot of one host's connections.
	HostStats = pool.HostStats
)

// Re-export error types for convenience
const (
	ErrorTypeDNS           = errors.ErrorTypeDNS
	ErrorTypeConnection    = errors.ErrorTypeConnection
	ErrorTypeTLS           = errors.ErrorTypeTLS
	ErrorTypeTimeout       = errors.ErrorTypeTimeout
	ErrorTypeProtocol      = errors.ErrorTypeProtocol
	ErrorTypeIO            = errors.ErrorTypeIO
	ErrorTypeValidation    = errors.ErrorTypeValidation
	ErrorTypePoolExhausted = errors.ErrorTypePoolExhausted
	ErrorTypeProxyConnect  = errors.ErrorTypeProxyConnect
	ErrorTypeClosed        = errors.ErrorTypeClosed
)

var schemes = []string{"http", "https"}

// Options carries dependencies that do not belong in a config file.
type Options struct {
	// Logger defaults to the global zerolog logger at the configured level.
	Logger *zerolog.Logger

	// Registerer receives the transport metrics. Nil keeps them private.
	Registerer prometheus.Registerer

	// DefaultHeaders are sent unless a request sets them. Config.UserAgent
	// is added as User-Agent when absent here.
	DefaultHeaders Header

	// TLSConfig is cloned for every handshake.
	TLSConfig *tls.Config

	Resolver *net.Resolver
}

// Opener sends requests over per-scheme connection pools. Plain and TLS
// connections to the same host:port never share a pool.
type Opener struct {
	cfg      Config
	logger   zerolog.Logger
	managers map[string]*pool.Manager
	clients  map[string]*client.Client
}

// New creates an Opener from cfg.
func New(cfg Config, opts Options) (*Opener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	proxyCfg, err := cfg.ProxyConfig()
	if err != nil {
		return nil, errors.NewValidationError(err.Error())
	}

	var base zerolog.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	} else {
		lvl, _ := cfg.Level()
		base = log.Logger.Level(lvl)
	}

	col, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, err
	}

	d, err := conn.NewDialer(conn.DialerOptions{
		ConnTimeout: cfg.EffectiveConnTimeout(),
		Proxy:       proxyCfg,
		VerifyTLS:   cfg.VerifyTLS,
		TLSConfig:   opts.TLSConfig,
		Resolver:    opts.Resolver,
		Logger:      &base,
	})
	if err != nil {
		return nil, err
	}

	defaults := opts.DefaultHeaders.Clone()
	if cfg.UserAgent != "" && !defaults.Has("User-Agent") {
		defaults.Set("User-Agent", cfg.UserAgent)
	}

	// Zero retries in the config means fail at once; the pool reads zero
	// as "use the default".
	retries := cfg.AcquireRetries
	if retries == 0 {
		retries = -1
	}

	o := &Opener{
		cfg:      cfg,
		logger:   base.With().Str("component", "keepalive").Logger(),
		managers: make(map[string]*pool.Manager, len(schemes)),
		clients:  make(map[string]*client.Client, len(schemes)),
	}
	for _, scheme := range schemes {
		m := pool.New(pool.Config{
			MaxConnsPerHost:      cfg.MaxConnectionsPerHost,
			AcquireRetries:       retries,
			AcquireRetryInterval: cfg.AcquireRetryInterval,
			Logger:               &base,
			Metrics:              col,
		})
		o.managers[scheme] = m
		o.clients[scheme] = client.New(m, d.Factory(scheme), client.Options{
			Timeout:         cfg.Timeout,
			MaxResponseSize: cfg.MaxResponseSize,
			DefaultHeaders:  defaults,
			Logger:          &base,
			Metrics:         col,
		})
	}

	o.logger.Debug().Int("max_conns_per_host", cfg.MaxConnectionsPerHost).
		Dur("timeout", cfg.Timeout).Str("proxy", proxyCfg.String()).Msg("opener ready")
	return o, nil
}

// NewRequest builds a request for rawURL.
func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	return request.New(method, rawURL, body)
}

// Config returns the configuration the Opener was built with.
func (o *Opener) Config() Config {
	return o.cfg
}

// Send performs req over the pool of its scheme.
func (o *Opener) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return o.clients[req.Scheme()].Send(ctx, req)
}

// Do builds and sends a request in one call.
func (o *Opener) Do(ctx context.Context, method, rawURL string, body []byte) (*Response, error) {
	req, err := request.New(method, rawURL, body)
	if err != nil {
		return nil, err
	}
	return o.Send(ctx, req)
}

// CloseHost closes every connection to hostKey in both pools.
func (o *Opener) CloseHost(hostKey string) {
	for _, scheme := range schemes {
		o.managers[scheme].CloseHost(hostKey)
	}
}

// Close closes every pooled connection. Later sends fail with a closed error.
func (o *Opener) Close() error {
	for _, scheme := range schemes {
		o.managers[scheme].Close()
	}
	o.logger.Debug().Msg("opener closed")
	return nil
}

// OpenConnections returns the pooled connections keyed by
// "scheme://host:port".
func (o *Opener) OpenConnections() map[string][]conn.Conn {
	out := make(map[string][]conn.Conn)
	for _, scheme := range schemes {
		for hk, conns := range o.managers[scheme].All() {
			out[scheme+"://"+hk] = conns
		}
	}
	return out
}

// Stats returns a snapshot of every host pool, ordered by scheme and host.
func (o *Opener) Stats() []ConnStats {
	var out []ConnStats
	for _, scheme := range schemes {
		for _, hs := range o.managers[scheme].Stats() {
			out = append(out, ConnStats{Scheme: scheme, HostStats: hs})
		}
	}
	return out
}

// ConnStats is a HostStats tagged with its scheme.
type ConnStats struct {
	Scheme string
	HostStats
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}

// IsPoolExhausted reports whether err is a pool-exhausted error.
func IsPoolExhausted(err error) bool {
	return errors.IsPoolExhausted(err)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}
