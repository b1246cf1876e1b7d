// Package constants defines magic numbers and default values used throughout go-keepalive
package constants

import "time"

// Connection pool limits
const (
	// DefaultMaxConnsPerHost bounds |free| + |in-use| for one host key.
	DefaultMaxConnsPerHost = 50

	// DefaultAcquireRetries and DefaultAcquireRetryInterval form the wait
	// budget of a saturated host: 25 x 250ms = 6.25s before pool exhaustion.
	DefaultAcquireRetries       = 25
	DefaultAcquireRetryInterval = 250 * time.Millisecond
)

// Timeouts
const (
	DefaultTimeout     = 15 * time.Second
	MinTimeout         = 1 * time.Second
	MaxTimeout         = 60 * time.Second
	DefaultConnTimeout = DefaultTimeout
)

// HTTP limits
const (
	// DefaultMaxResponseSize is the body ceiling; larger bodies become an
	// empty 204 response.
	DefaultMaxResponseSize = 400000

	MaxHeaderBytes   = 64 * 1024
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Request defaults
const (
	DefaultContentType = "application/x-www-form-urlencoded"
	DefaultUserAgent   = "go-keepalive/1.0"
)

// Ports used when the URL has none
const (
	DefaultHTTPPort  = 80
	DefaultHTTPSPort = 443
)
