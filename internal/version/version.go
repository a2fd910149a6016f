// Package version carries build-time metadata, set via ldflags:
// go build -ldflags "-X github.com/droughtwatch/droughtwatch/internal/version.Version=v1.2.0".
package version

import "fmt"

var (
	Version   = "unknown"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String renders the version line printed by --version.
func String() string {
	return fmt.Sprintf("droughtwatch %s (%s, built %s)", Version, GitCommit, BuildTime)
}
