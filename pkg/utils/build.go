// Build information is injected with -ldflags at link time, e.g.
//   go build -ldflags "-X github.com/nobletooth/plaza/pkg/utils.Version=v1.2.0" ./cmd/plaza
// CAUTION: Keep variable names stable; release scripts rely on them.

package utils

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

const defaultVersion = "v0.0.0-dev"

var (
	TestMode   string // Should be "true" when building test binaries that must panic on invariants.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
	Hostname   string
)

func init() {
	StartTime = time.Now()

	// Unset build info falls back to values that are still valid semantic versions / readable labels.
	if Version == "" {
		Version = defaultVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if host, err := os.Hostname(); err == nil {
		Hostname = host
	} else {
		Hostname = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false.", "error", err)
		}
	}
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
