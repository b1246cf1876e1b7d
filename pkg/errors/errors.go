// Package errors provides structured error types for the keep-alive transport.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType represents the category of error that occurred.
type ErrorType string

const (
	// ErrorTypeDNS represents DNS resolution errors
	ErrorTypeDNS ErrorType = "dns"
	// ErrorTypeConnection represents TCP connection and socket errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTLS represents TLS handshake errors
	ErrorTypeTLS ErrorType = "tls"
	// ErrorTypeTimeout represents connect or read deadlines being exceeded
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeProtocol represents malformed or truncated HTTP responses
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeIO represents I/O errors
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePoolExhausted represents a host pool that stayed saturated
	// through the whole acquisition retry budget
	ErrorTypePoolExhausted ErrorType = "pool_exhausted"
	// ErrorTypeProxyConnect represents a refused or malformed CONNECT answer
	ErrorTypeProxyConnect ErrorType = "proxy_connect"
	// ErrorTypeClosed represents use of a connection manager after Close
	ErrorTypeClosed ErrorType = "closed"
)

// Sentinels for errors.Is matching. Matching is by type only.
var (
	ErrTimeout       = &Error{Type: ErrorTypeTimeout}
	ErrPoolExhausted = &Error{Type: ErrorTypePoolExhausted}
	ErrProxyConnect  = &Error{Type: ErrorTypeProxyConnect}
	ErrProtocol      = &Error{Type: ErrorTypeProtocol}
	ErrConnection    = &Error{Type: ErrorTypeConnection}
	ErrClosed        = &Error{Type: ErrorTypeClosed}
)

// Error represents a structured error with context information.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Cause     error     `json:"cause,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target type.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	return false
}

// WithHost annotates the error with the host key it belongs to.
func (e *Error) WithHost(host string, port int) *Error {
	e.Host = host
	e.Port = port
	return e
}

// NewDNSError creates a DNS resolution error.
func NewDNSError(host string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeDNS,
		Message:   fmt.Sprintf("DNS lookup failed for host %s", host),
		Cause:     cause,
		Host:      host,
		Timestamp: time.Now(),
	}
}

// NewConnectionError creates a connection error.
func NewConnectionError(host string, port int, cause error) *Error {
	return &Error{
		Type:      ErrorTypeConnection,
		Message:   fmt.Sprintf("failed to connect to %s:%d", host, port),
		Cause:     cause,
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
}

// NewSocketError creates a connection error for an already established
// socket that failed during an exchange.
func NewSocketError(operation string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeConnection,
		Message:   fmt.Sprintf("socket error during %s", operation),
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewTLSError creates a TLS handshake error.
func NewTLSError(host string, port int, cause error) *Error {
	return &Error{
		Type:      ErrorTypeTLS,
		Message:   fmt.Sprintf("TLS handshake failed for %s:%d", host, port),
		Cause:     cause,
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(operation string, timeout time.Duration) *Error {
	return &Error{
		Type:      ErrorTypeTimeout,
		Message:   fmt.Sprintf("%s timed out after %v", operation, timeout),
		Timestamp: time.Now(),
	}
}

// NewProtocolError creates a protocol error.
func NewProtocolError(message string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeProtocol,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewIOError creates an I/O error.
func NewIOError(operation string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeIO,
		Message:   fmt.Sprintf("I/O error during %s", operation),
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *Error {
	return &Error{
		Type:      ErrorTypeValidation,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewPoolExhaustedError creates an error for a host whose connection slots
// stayed occupied for the whole wait budget.
func NewPoolExhaustedError(hostKey string, waited time.Duration) *Error {
	return &Error{
		Type: ErrorTypePoolExhausted,
		Message: fmt.Sprintf("HTTP connection pool for %s waited too long (%v) for a free connection, giving up. "+
			"This usually occurs when the remote server is slow or throttling the scanner", hostKey, waited),
		Host:      hostKey,
		Timestamp: time.Now(),
	}
}

// NewProxyConnectError creates an error for a failed CONNECT handshake.
func NewProxyConnectError(proxyAddr string, status int, reason string, cause error) *Error {
	msg := fmt.Sprintf("proxy %s refused CONNECT", proxyAddr)
	if status > 0 {
		msg = fmt.Sprintf("proxy connection failed: %d %s", status, reason)
	}
	return &Error{
		Type:      ErrorTypeProxyConnect,
		Message:   msg,
		Cause:     cause,
		Host:      proxyAddr,
		Timestamp: time.Now(),
	}
}

// NewClosedError creates an error for use of a closed connection manager.
func NewClosedError() *Error {
	return &Error{
		Type:      ErrorTypeClosed,
		Message:   "connection manager is closed",
		Timestamp: time.Now(),
	}
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.Type == ErrorTypeTimeout {
		return true
	}
	// Also check for net timeout errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	// Check for context deadline exceeded
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPoolExhausted reports whether err is a pool-exhausted error.
func IsPoolExhausted(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}

// IsProxyConnectError reports whether err is a CONNECT handshake failure.
func IsProxyConnectError(err error) bool {
	return errors.Is(err, ErrProxyConnect)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsContextCanceled checks if an error is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsContextTimeout checks if an error is due to context deadline exceeded.
func IsContextTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
