package tokenstore_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"tenant-auth/internal/tokenstore"
)

func TestCleanText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"plain", "Mozilla/5.0", 512, "Mozilla/5.0"},
		{"cut inside multibyte rune", strings.Repeat("a", 511) + "é", 512, strings.Repeat("a", 511)},
		{"obs-text bytes", "curl/8\xff\xfe", 512, "curl/8"},
		{"control characters", "agent\x00\r\nv2", 512, "agentv2"},
		{"surrounding space", "  ios  ", 512, "ios"},
		{"short max", "日本語", 4, "日"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tokenstore.CleanText(tc.in, tc.max)
			assert.Equal(t, tc.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tc.max)
		})
	}
}

func TestDeviceInfoClean(t *testing.T) {
	d := tokenstore.DeviceInfo{
		IP:        "10.0.0.1",
		UserAgent: strings.Repeat("é", 400),
		Platform:  "\xffmacOS",
	}.Clean()

	assert.Equal(t, "10.0.0.1", d.IP)
	assert.Equal(t, strings.Repeat("é", 256), d.UserAgent)
	assert.Equal(t, "macOS", d.Platform)
}
