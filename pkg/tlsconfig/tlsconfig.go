// Package tlsconfig provides TLS version profiles and the adaptive version
// negotiator used when wrapping scanner connections in TLS.
package tlsconfig

import (
	"crypto/tls"
	"sync"
)

// SSL/TLS Protocol Versions
const (
	// TLS 1.0 (DEPRECATED - still found on legacy scan targets)
	VersionTLS10 uint16 = tls.VersionTLS10 // 0x0301

	// TLS 1.1 (DEPRECATED - weak)
	VersionTLS11 uint16 = tls.VersionTLS11 // 0x0302

	// TLS 1.2
	VersionTLS12 uint16 = tls.VersionTLS12 // 0x0303

	// TLS 1.3
	VersionTLS13 uint16 = tls.VersionTLS13 // 0x0304
)

// VersionProfile is a min/max TLS version range tried as one unit.
type VersionProfile struct {
	Name        string
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileModern - TLS 1.3 only
	ProfileModern = VersionProfile{
		Name:        "modern",
		Min:         VersionTLS13,
		Max:         VersionTLS13,
		Description: "TLS 1.3 only - modern servers only",
	}

	// ProfileSecure - TLS 1.2 and 1.3
	ProfileSecure = VersionProfile{
		Name:        "secure",
		Min:         VersionTLS12,
		Max:         VersionTLS13,
		Description: "TLS 1.2+ - secure and widely compatible",
	}

	// ProfileCompatible - TLS 1.0 through 1.3
	ProfileCompatible = VersionProfile{
		Name:        "compatible",
		Min:         VersionTLS10,
		Max:         VersionTLS13,
		Description: "TLS 1.0+ - maximum compatibility, includes deprecated versions",
	}
)

// DefaultProfiles is the initial negotiation order.
func DefaultProfiles() []VersionProfile {
	return []VersionProfile{ProfileSecure, ProfileCompatible}
}

// GetVersionName returns human-readable name for SSL/TLS version
func GetVersionName(version uint16) string {
	switch version {
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// IsVersionDeprecated returns true if the version is deprecated/insecure
func IsVersionDeprecated(version uint16) bool {
	return version < VersionTLS12
}

// CipherSuitesTLS12Compatible are offered when a profile reaches below TLS 1.2.
var CipherSuitesTLS12Compatible = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

// ApplyVersionProfile applies a pre-configured version profile to tls.Config
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
	if profile.Min < VersionTLS12 {
		config.CipherSuites = CipherSuitesTLS12Compatible
	} else {
		config.CipherSuites = nil
	}
}

// Negotiator hands out TLS profiles in preference order and promotes the
// profile of the last successful handshake to the front. It is shared by
// every connection of a dialer.
type Negotiator struct {
	mu       sync.Mutex
	profiles []VersionProfile
}

// NewNegotiator creates a negotiator. A nil or empty list uses DefaultProfiles.
func NewNegotiator(profiles []VersionProfile) *Negotiator {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	p := make([]VersionProfile, len(profiles))
	copy(p, profiles)
	return &Negotiator{profiles: p}
}

// Profiles returns the current preference order.
func (n *Negotiator) Profiles() []VersionProfile {
	n.mu.Lock()
	defer n.mu.Unlock()

	p := make([]VersionProfile, len(n.profiles))
	copy(p, n.profiles)
	return p
}

// Succeeded moves profile to the front of the preference order.
func (n *Negotiator) Succeeded(profile VersionProfile) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, p := range n.profiles {
		if p.Name == profile.Name {
			copy(n.profiles[1:i+1], n.profiles[:i])
			n.profiles[0] = p
			return
		}
	}
}

// Config builds a client tls.Config for one handshake attempt.
func (n *Negotiator) Config(base *tls.Config, serverName string, insecure bool, profile VersionProfile) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.InsecureSkipVerify = insecure || cfg.InsecureSkipVerify
	cfg.NextProtos = []string{"http/1.1"}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	ApplyVersionProfile(cfg, profile)
	return cfg
}
