// Package timing provides performance measurement utilities for connections
// and request/response exchanges.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures timing information for a connection setup or exchange.
type Metrics struct {
	// DNSLookup is the time spent performing DNS resolution
	DNSLookup time.Duration `json:"dns_lookup"`

	// TCPConnect is the time spent establishing the TCP connection
	TCPConnect time.Duration `json:"tcp_connect"`

	// ProxyConnect is the time spent on the CONNECT handshake with a proxy
	ProxyConnect time.Duration `json:"proxy_connect"`

	// TLSHandshake is the time spent performing TLS handshake (0 for HTTP)
	TLSHandshake time.Duration `json:"tls_handshake"`

	// Wait is the time between dispatching the request and the response
	// headers being available
	Wait time.Duration `json:"wait"`

	// TotalTime is the total end-to-end time
	TotalTime time.Duration `json:"total_time"`
}

// Timer helps measure request timings. A Timer is used by one goroutine.
type Timer struct {
	start      time.Time
	dnsStart   time.Time
	dnsEnd     time.Time
	tcpStart   time.Time
	tcpEnd     time.Time
	proxyStart time.Time
	proxyEnd   time.Time
	tlsStart   time.Time
	tlsEnd     time.Time
	waitStart  time.Time
	waitEnd    time.Time
}

// NewTimer creates a new timing measurement session.
func NewTimer() *Timer {
	return &Timer{
		start: time.Now(),
	}
}

// StartDNS marks the beginning of DNS resolution.
func (t *Timer) StartDNS() {
	t.dnsStart = time.Now()
}

// EndDNS marks the end of DNS resolution.
func (t *Timer) EndDNS() {
	t.dnsEnd = time.Now()
}

// StartTCP marks the beginning of TCP connection.
func (t *Timer) StartTCP() {
	t.tcpStart = time.Now()
}

// EndTCP marks the end of TCP connection.
func (t *Timer) EndTCP() {
	t.tcpEnd = time.Now()
}

// StartProxy marks the beginning of the CONNECT handshake.
func (t *Timer) StartProxy() {
	t.proxyStart = time.Now()
}

// EndProxy marks the end of the CONNECT handshake.
func (t *Timer) EndProxy() {
	t.proxyEnd = time.Now()
}

// StartTLS marks the beginning of TLS handshake.
func (t *Timer) StartTLS() {
	t.tlsStart = time.Now()
}

// EndTLS marks the end of TLS handshake.
func (t *Timer) EndTLS() {
	t.tlsEnd = time.Now()
}

// StartWait marks the request being dispatched.
func (t *Timer) StartWait() {
	t.waitStart = time.Now()
}

// EndWait marks the response headers becoming available.
func (t *Timer) EndWait() {
	t.waitEnd = time.Now()
}

// GetMetrics returns the calculated timing metrics.
func (t *Timer) GetMetrics() Metrics {
	metrics := Metrics{
		TotalTime:    time.Since(t.start),
		DNSLookup:    span(t.dnsStart, t.dnsEnd),
		TCPConnect:   span(t.tcpStart, t.tcpEnd),
		ProxyConnect: span(t.proxyStart, t.proxyEnd),
		TLSHandshake: span(t.tlsStart, t.tlsEnd),
		Wait:         span(t.waitStart, t.waitEnd),
	}
	return metrics
}

func span(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	return end.Sub(start)
}

// GetConnectionTime returns the total connection establishment time.
func (m Metrics) GetConnectionTime() time.Duration {
	return m.DNSLookup + m.TCPConnect + m.ProxyConnect + m.TLSHandshake
}

// Add folds connection setup timings into exchange metrics, used when the
// exchange ran on a fresh connection.
func (m Metrics) Add(setup Metrics) Metrics {
	m.DNSLookup += setup.DNSLookup
	m.TCPConnect += setup.TCPConnect
	m.ProxyConnect += setup.ProxyConnect
	m.TLSHandshake += setup.TLSHandshake
	return m
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("DNSLookup: %v, TCPConnect: %v, ProxyConnect: %v, TLSHandshake: %v, Wait: %v, TotalTime: %v",
		m.DNSLookup, m.TCPConnect, m.ProxyConnect, m.TLSHandshake, m.Wait, m.TotalTime)
}
