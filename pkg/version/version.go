// Package version holds build information for the taskorch binary.
// The variables are set at build time via ldflags.
package version

import "fmt"

// Example: go build -ldflags "-X taskorch/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // package-level vars for ldflags injection
var (
	// Version is the semantic version, or "dev" for development builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String formats the build information for --version output.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
