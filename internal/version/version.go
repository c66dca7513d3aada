// Package version provides build-time metadata for the rate-limit guard service.
// These variables are populated via -ldflags during the Docker build process.
package version

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	// Version is the semantic version or git commit hash (e.g., "v1.0.0" or "a1b2c3d").
	// Set via: -ldflags "-X rlguard/internal/version.Version=..."
	Version = "unknown"

	// BuildDate is the ISO 8601 UTC timestamp when the binary was built.
	// Set via: -ldflags "-X rlguard/internal/version.BuildDate=..."
	BuildDate = "unknown"

	// GitCommit is the git commit SHA of the source code.
	// Set via: -ldflags "-X rlguard/internal/version.GitCommit=..."
	GitCommit = "unknown"
)

// Info holds build metadata plus the identity of this guard instance. The
// instance ID separates log lines and spans from replicas that share a store.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns build metadata and runtime information.
// Instance ID and hostname are computed once on first call and cached.
func GetInfo() Info {
	once.Do(func() {
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			InstanceID: uuid.New().String(),
			Hostname:   getHostname(),
		}
	})
	return info
}

// getHostname returns the system hostname, fallback to "unknown" on error.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// String formats version info for CLI display.
func (i Info) String() string {
	return fmt.Sprintf("rlguard version %s (commit: %s, built: %s)", i.Version, i.GitCommit, i.BuildDate)
}

// LogAttrs returns the fields attached to every log line of the process.
// Empty instance fields are omitted so hand-built Info values stay terse.
func (i Info) LogAttrs() []any {
	attrs := []any{
		slog.String("version", i.Version),
		slog.String("git_commit", i.GitCommit),
		slog.String("build_date", i.BuildDate),
	}
	if i.InstanceID != "" {
		attrs = append(attrs, slog.String("instance_id", i.InstanceID))
	}
	if i.Hostname != "" {
		attrs = append(attrs, slog.String("hostname", i.Hostname))
	}
	return attrs
}

// UserAgent identifies a component of this build in outbound HTTP requests.
func (i Info) UserAgent(component string) string {
	return fmt.Sprintf("rlguard-%s/%s", component, i.Version)
}
