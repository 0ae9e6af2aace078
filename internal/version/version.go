// Package version carries build metadata stamped in with -ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of the hive binary.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("negotiation-hive %s (commit %s, built %s)", Version, Commit, BuildDate)
}

// UserAgent identifies outbound HTTP calls.
func UserAgent() string {
	return "negotiation-hive/" + Version
}
