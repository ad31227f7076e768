package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowContains(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		hour       int
		want       bool
	}{
		{"same day inside", "09:00", "11:00", 10, true},
		{"same day outside", "09:00", "11:00", 12, false},
		{"wrap after midnight", "23:00", "02:00", 1, true},
		{"wrap outside", "23:00", "02:00", 12, false},
		{"open end", "22:00", "", 23, true},
		{"open start", "", "03:00", 4, false},
		{"unrestricted", "", "", 15, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseWindow(tt.start, tt.end, "UTC")
			require.NoError(t, err)
			now := time.Date(2025, 1, 1, tt.hour, 0, 0, 0, time.UTC)
			assert.Equal(t, tt.want, w.Contains(now))
		})
	}
}

func TestParseWindowErrors(t *testing.T) {
	_, err := ParseWindow("25:00", "", "")
	assert.Error(t, err)
	_, err = ParseWindow("", "", "Mars/Base")
	assert.Error(t, err)
}
