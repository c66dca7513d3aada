package version

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	// Fields are populated even when ldflags were not set
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GitCommit)
	assert.NotEmpty(t, info.BuildDate)
	assert.NotEmpty(t, info.InstanceID)
	assert.NotEmpty(t, info.Hostname)

	// Subsequent calls return the cached instance identity
	info2 := GetInfo()
	assert.Equal(t, info.InstanceID, info2.InstanceID)
	assert.Equal(t, info.Hostname, info2.Hostname)
}

func TestInfoString(t *testing.T) {
	tests := []struct {
		name     string
		info     Info
		expected string
	}{
		{
			name:     "full version info",
			info:     Info{Version: "1.2.3", GitCommit: "abc1234", BuildDate: "2026-02-21T10:00:00Z"},
			expected: "rlguard version 1.2.3 (commit: abc1234, built: 2026-02-21T10:00:00Z)",
		},
		{
			name:     "unknown values",
			info:     Info{Version: "unknown", GitCommit: "unknown", BuildDate: "unknown"},
			expected: "rlguard version unknown (commit: unknown, built: unknown)",
		},
		{
			name:     "dirty version",
			info:     Info{Version: "v1.0.0-dirty", GitCommit: "abc1234", BuildDate: "2026-02-21T10:00:00Z"},
			expected: "rlguard version v1.0.0-dirty (commit: abc1234, built: 2026-02-21T10:00:00Z)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.info.String())
		})
	}
}

func TestLogAttrs(t *testing.T) {
	keys := func(attrs []any) []string {
		var out []string
		for _, a := range attrs {
			attr, ok := a.(slog.Attr)
			require.True(t, ok)
			out = append(out, attr.Key)
		}
		return out
	}

	bare := Info{Version: "1.0.0", GitCommit: "abc", BuildDate: "today"}
	assert.Equal(t, []string{"version", "git_commit", "build_date"}, keys(bare.LogAttrs()))

	full := Info{Version: "1.0.0", GitCommit: "abc", BuildDate: "today", InstanceID: "id", Hostname: "host"}
	assert.Equal(t, []string{"version", "git_commit", "build_date", "instance_id", "hostname"}, keys(full.LogAttrs()))
}

func TestUserAgent(t *testing.T) {
	info := Info{Version: "v2.1.0"}
	assert.Equal(t, "rlguard-healthcheck/v2.1.0", info.UserAgent("healthcheck"))
}

func TestGetHostname(t *testing.T) {
	// Never empty, falls back to "unknown"
	assert.NotEmpty(t, getHostname())
}
