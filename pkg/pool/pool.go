// Package pool implements the per-host keep-alive connection manager.
//
// Every host key owns a partition of free and in-use connections. A
// connection is in at most one partition and in exactly one of its two
// lists; free plus in-use (plus slots reserved for connections being dialed)
// never exceeds the per-host cap. A saturated partition is waited on by
// polling: a bounded number of fixed sleeps, then a pool-exhausted error.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/WhileEndless/go-keepalive/pkg/conn"
	"github.com/WhileEndless/go-keepalive/pkg/constants"
	"github.com/WhileEndless/go-keepalive/pkg/errors"
	"github.com/WhileEndless/go-keepalive/pkg/metrics"
)

// Removal reasons used in logs and metrics.
const (
	ReasonStale         = "stale"
	ReasonWillClose     = "will_close"
	ReasonNewConnection = "new_connection"
	ReasonTimeout       = "timeout"
	ReasonUnread        = "unread_bytes"
	ReasonError         = "error"
	ReasonRequested     = "requested"
)

// Config configures a Manager. Zero values take the package defaults.
type Config struct {
	// MaxConnsPerHost caps free + in-use connections of one host key.
	MaxConnsPerHost int

	// AcquireRetries and AcquireRetryInterval bound the wait for a slot of
	// a saturated host. A negative AcquireRetries fails without waiting.
	AcquireRetries       int
	AcquireRetryInterval time.Duration

	Logger  *zerolog.Logger
	Metrics *metrics.Collector
}

// HostStats is a snapshot of one partition.
type HostStats struct {
	HostKey string
	Free    int
	InUse   int
	Pending int // slots reserved for connections being dialed
}

type partition struct {
	free     []conn.Conn // most recently released last
	inUse    map[string]conn.Conn
	reserved int
}

func (p *partition) size() int {
	return len(p.free) + len(p.inUse) + p.reserved
}

func (p *partition) empty() bool {
	return p.size() == 0
}

// take removes c from whichever list holds it.
func (p *partition) take(c conn.Conn) bool {
	if _, ok := p.inUse[c.ID()]; ok {
		delete(p.inUse, c.ID())
		return true
	}
	for i, fc := range p.free {
		if fc.ID() == c.ID() {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return true
		}
	}
	return false
}

// Manager is the connection manager. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	hosts  map[string]*partition
	closed bool
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = constants.DefaultMaxConnsPerHost
	}
	if cfg.AcquireRetries < 0 {
		cfg.AcquireRetries = 0
	} else if cfg.AcquireRetries == 0 {
		cfg.AcquireRetries = constants.DefaultAcquireRetries
	}
	if cfg.AcquireRetryInterval <= 0 {
		cfg.AcquireRetryInterval = constants.DefaultAcquireRetryInterval
	}

	m := &Manager{
		cfg:     cfg,
		metrics: cfg.Metrics,
		hosts:   make(map[string]*partition),
	}
	if cfg.Logger != nil {
		m.logger = cfg.Logger.With().Str("component", "pool").Logger()
	} else {
		m.logger = log.With().Str("component", "pool").Logger()
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Acquire lends a connection for hostKey: a free one if any, otherwise a new
// one from factory while the partition is under its cap. A saturated
// partition is retried every AcquireRetryInterval, AcquireRetries times,
// before failing with a pool-exhausted error.
func (m *Manager) Acquire(ctx context.Context, hostKey string, factory conn.Factory) (conn.Conn, error) {
	return m.acquire(ctx, hostKey, factory, true)
}

func (m *Manager) acquire(ctx context.Context, hostKey string, factory conn.Factory, reuse bool) (conn.Conn, error) {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		c, reserved, err := m.tryAcquire(hostKey, reuse)
		if err != nil {
			return nil, err
		}
		if c != nil {
			m.metrics.ConnReused(hostKey)
			m.metrics.ObserveAcquireWait(time.Since(start))
			m.logger.Debug().Str("host", hostKey).Str("conn_id", c.ID()).Msg("reusing connection")
			return c, nil
		}
		if reserved {
			c, err := m.dial(ctx, hostKey, factory)
			if err != nil {
				return nil, err
			}
			m.metrics.ObserveAcquireWait(time.Since(start))
			return c, nil
		}

		if attempt >= m.cfg.AcquireRetries {
			waited := time.Since(start)
			m.metrics.PoolExhausted(hostKey)
			m.logger.Warn().Str("host", hostKey).Dur("waited", waited).
				Int("max_conns", m.cfg.MaxConnsPerHost).Msg("connection pool exhausted")
			return nil, errors.NewPoolExhaustedError(hostKey, waited)
		}

		if attempt == 0 {
			m.logger.Debug().Str("host", hostKey).Msg("host at connection cap, waiting for a free slot")
		}

		timer := time.NewTimer(m.cfg.AcquireRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire pops a free connection, or reserves a slot for a new one.
func (m *Manager) tryAcquire(hostKey string, reuse bool) (conn.Conn, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, errors.NewClosedError()
	}

	p := m.partitionLocked(hostKey)
	if reuse && len(p.free) > 0 {
		c := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.inUse[c.ID()] = c
		m.updateGaugeLocked(hostKey, p)
		return c, false, nil
	}
	if p.size() < m.cfg.MaxConnsPerHost {
		p.reserved++
		return nil, true, nil
	}
	return nil, false, nil
}

// dial fills a reserved slot of hostKey.
func (m *Manager) dial(ctx context.Context, hostKey string, factory conn.Factory) (conn.Conn, error) {
	c, err := factory(ctx, hostKey)
	if err != nil {
		m.unreserve(hostKey)
		return nil, err
	}

	m.mu.Lock()
	p := m.partitionLocked(hostKey)
	p.reserved--
	if m.closed {
		m.pruneLocked(hostKey, p)
		m.mu.Unlock()
		c.Close()
		return nil, errors.NewClosedError()
	}
	p.inUse[c.ID()] = c
	m.updateGaugeLocked(hostKey, p)
	m.mu.Unlock()

	m.metrics.ConnCreated(hostKey)
	m.logger.Debug().Str("host", hostKey).Str("conn_id", c.ID()).Msg("created connection")
	return c, nil
}

func (m *Manager) unreserve(hostKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.hosts[hostKey]
	if !ok {
		return
	}
	p.reserved--
	m.pruneLocked(hostKey, p)
}

// Release returns an in-use connection to the free list. Releasing a
// connection that is not in use is a no-op.
func (m *Manager) Release(c conn.Conn) {
	hostKey := c.HostKey()

	m.mu.Lock()
	p, ok := m.hosts[hostKey]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, ok := p.inUse[c.ID()]; !ok {
		m.mu.Unlock()
		return
	}
	delete(p.inUse, c.ID())
	if m.closed {
		m.mu.Unlock()
		c.Close()
		return
	}
	p.free = append(p.free, c)
	m.updateGaugeLocked(hostKey, p)
	m.mu.Unlock()
}

// Replace swaps bad for a new connection from factory. The new connection is
// in use; bad is closed. When bad belonged to hostKey its slot is handed
// straight to the replacement.
func (m *Manager) Replace(ctx context.Context, bad conn.Conn, hostKey string, factory conn.Factory) (conn.Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		bad.Close()
		return nil, errors.NewClosedError()
	}
	p := m.partitionLocked(hostKey)
	transferred := p.take(bad)
	if transferred {
		p.reserved++
		m.updateGaugeLocked(hostKey, p)
	}
	m.mu.Unlock()

	bad.Close()
	m.metrics.ConnReplaced(hostKey)
	m.logger.Debug().Str("host", hostKey).Str("conn_id", bad.ID()).Msg("replacing stale connection")

	if !transferred {
		return m.acquire(ctx, hostKey, factory, false)
	}
	return m.dial(ctx, hostKey, factory)
}

// Remove drops c from the pool and closes it. An empty hostKey searches every
// partition.
func (m *Manager) Remove(c conn.Conn, hostKey, reason string) {
	m.mu.Lock()
	if hostKey == "" {
		for hk, p := range m.hosts {
			if p.take(c) {
				hostKey = hk
				m.pruneLocked(hk, p)
				break
			}
		}
	} else if p, ok := m.hosts[hostKey]; ok {
		if p.take(c) {
			m.pruneLocked(hostKey, p)
		}
	}
	m.mu.Unlock()

	c.Close()
	if hostKey == "" {
		hostKey = c.HostKey()
	}
	m.metrics.ConnRemoved(hostKey, reason)
	m.logger.Debug().Str("host", hostKey).Str("conn_id", c.ID()).Str("reason", reason).Msg("removed connection")
}

// RemoveIfFree drops c only while it sits idle in the free list. A
// connection lent to another borrower is left alone.
func (m *Manager) RemoveIfFree(c conn.Conn, reason string) bool {
	hostKey := c.HostKey()

	m.mu.Lock()
	p, ok := m.hosts[hostKey]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if _, busy := p.inUse[c.ID()]; busy || !p.take(c) {
		m.mu.Unlock()
		return false
	}
	m.pruneLocked(hostKey, p)
	m.mu.Unlock()

	c.Close()
	m.metrics.ConnRemoved(hostKey, reason)
	m.logger.Debug().Str("host", hostKey).Str("conn_id", c.ID()).Str("reason", reason).Msg("removed idle connection")
	return true
}

// Connections returns the free and in-use connections of hostKey.
func (m *Manager) Connections(hostKey string) []conn.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.hosts[hostKey]
	if !ok {
		return nil
	}
	return p.all()
}

// All returns the pooled connections of every host, keyed by host key.
func (m *Manager) All() map[string][]conn.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]conn.Conn, len(m.hosts))
	for hk, p := range m.hosts {
		out[hk] = p.all()
	}
	return out
}

func (p *partition) all() []conn.Conn {
	out := make([]conn.Conn, 0, len(p.free)+len(p.inUse))
	out = append(out, p.free...)
	for _, c := range p.inUse {
		out = append(out, c)
	}
	return out
}

// Total counts free and in-use connections of hostKey, or of every host
// when hostKey is empty.
func (m *Manager) Total(hostKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hostKey != "" {
		p, ok := m.hosts[hostKey]
		if !ok {
			return 0
		}
		return len(p.free) + len(p.inUse)
	}
	n := 0
	for _, p := range m.hosts {
		n += len(p.free) + len(p.inUse)
	}
	return n
}

// Stats returns a snapshot of every partition, ordered by host key.
func (m *Manager) Stats() []HostStats {
	m.mu.Lock()
	stats := make([]HostStats, 0, len(m.hosts))
	for hk, p := range m.hosts {
		stats = append(stats, HostStats{
			HostKey: hk,
			Free:    len(p.free),
			InUse:   len(p.inUse),
			Pending: p.reserved,
		})
	}
	m.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].HostKey < stats[j].HostKey })
	return stats
}

// CloseHost closes and forgets every connection of hostKey. Exchanges still
// running on them fail.
func (m *Manager) CloseHost(hostKey string) {
	m.mu.Lock()
	p, ok := m.hosts[hostKey]
	if !ok {
		m.mu.Unlock()
		return
	}
	conns := p.all()
	p.free = nil
	p.inUse = make(map[string]conn.Conn)
	m.pruneLocked(hostKey, p)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
		m.metrics.ConnRemoved(hostKey, ReasonRequested)
	}
	m.logger.Debug().Str("host", hostKey).Int("closed", len(conns)).Msg("closed host connections")
}

// Close closes every connection. Later acquisitions fail with a closed
// error; connections released afterwards are closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var conns []conn.Conn
	for hk, p := range m.hosts {
		conns = append(conns, p.all()...)
		if p.reserved == 0 {
			delete(m.hosts, hk)
			m.metrics.DeleteHost(hk)
		} else {
			p.free = nil
			p.inUse = make(map[string]conn.Conn)
		}
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.logger.Debug().Int("closed", len(conns)).Msg("connection manager closed")
	return nil
}

func (m *Manager) partitionLocked(hostKey string) *partition {
	p, ok := m.hosts[hostKey]
	if !ok {
		p = &partition{inUse: make(map[string]conn.Conn)}
		m.hosts[hostKey] = p
	}
	return p
}

// pruneLocked forgets an empty partition.
func (m *Manager) pruneLocked(hostKey string, p *partition) {
	if p.empty() {
		delete(m.hosts, hostKey)
		m.metrics.DeleteHost(hostKey)
		return
	}
	m.updateGaugeLocked(hostKey, p)
}

func (m *Manager) updateGaugeLocked(hostKey string, p *partition) {
	m.metrics.SetConnections(hostKey, len(p.free), len(p.inUse))
}
