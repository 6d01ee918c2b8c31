package version

import "fmt"

// Build-time variables set by ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String returns the human-readable version line.
func String() string {
	return fmt.Sprintf("gazette %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
