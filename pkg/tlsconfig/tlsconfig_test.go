package tlsconfig

import (
	"crypto/tls"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetVersionName(t *testing.T) {
	tests := []struct {
		version uint16
		want    string
	}{
		{VersionTLS10, "TLS 1.0"},
		{VersionTLS11, "TLS 1.1"},
		{VersionTLS12, "TLS 1.2"},
		{VersionTLS13, "TLS 1.3"},
		{0x9999, "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GetVersionName(tt.version))
	}
	assert.True(t, IsVersionDeprecated(VersionTLS10))
	assert.False(t, IsVersionDeprecated(VersionTLS12))
}

func TestNegotiatorPromotesSuccessfulProfile(t *testing.T) {
	n := NewNegotiator([]VersionProfile{ProfileModern, ProfileSecure, ProfileCompatible})

	n.Succeeded(ProfileCompatible)
	got := n.Profiles()
	require.Len(t, got, 3)
	assert.Equal(t, "compatible", got[0].Name)
	assert.Equal(t, "modern", got[1].Name)
	assert.Equal(t, "secure", got[2].Name)

	n.Succeeded(ProfileCompatible)
	assert.Equal(t, "compatible", n.Profiles()[0].Name)
}

func TestNegotiatorProfilesIsACopy(t *testing.T) {
	n := NewNegotiator(nil)
	p := n.Profiles()
	p[0] = ProfileModern
	assert.Equal(t, DefaultProfiles()[0].Name, n.Profiles()[0].Name)
}

func TestNegotiatorConcurrentUse(t *testing.T) {
	n := NewNegotiator(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				n.Succeeded(ProfileCompatible)
			} else {
				n.Succeeded(ProfileSecure)
			}
			_ = n.Profiles()
		}(i)
	}
	wg.Wait()
	assert.Len(t, n.Profiles(), 2)
}

func TestNegotiatorConfig(t *testing.T) {
	n := NewNegotiator(nil)
	base := &tls.Config{ServerName: "override.example"}

	cfg := n.Config(base, "target.example", true, ProfileCompatible)
	assert.Equal(t, "override.example", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, VersionTLS10, cfg.MinVersion)
	assert.NotEmpty(t, cfg.CipherSuites)
	assert.Equal(t, []string{"http/1.1"}, cfg.NextProtos)
	assert.False(t, base.InsecureSkipVerify, "base config must not be mutated")

	cfg = n.Config(nil, "target.example", false, ProfileSecure)
	assert.Equal(t, "target.example", cfg.ServerName)
	assert.Nil(t, cfg.CipherSuites)
}
