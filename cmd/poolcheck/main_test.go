package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckFlags(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		total   int
		workers int
		wantErr bool
	}{
		{"valid", "http://127.0.0.1/", 20, 4, false},
		{"no requests", "http://127.0.0.1/", 0, 1, false},
		{"missing url", "", 20, 4, true},
		{"zero workers", "http://127.0.0.1/", 20, 0, true},
		{"negative workers", "http://127.0.0.1/", 20, -2, true},
		{"negative total", "http://127.0.0.1/", -1, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkFlags(tt.target, tt.total, tt.workers)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
