// Package version carries the build stamp for the proximity server.
// The variables are overridden at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v1.4.0 \
//	    -X .../internal/version.GitSHA=$(git rev-parse --short HEAD) \
//	    -X .../internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for unstamped builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String returns the full stamp, e.g. "v1.4.0 (3f9c2ab, built 2026-08-25T10:02:11Z)".
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}

// Short returns the stamp without the build time, for log lines.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, GitSHA)
}
