// Package version provides version information for the oracle-aggregator application.
package version

// Version is the current version of the oracle-aggregator application.
const Version = "0.3.0"

// AgentString returns the full agent string with versioning.
// Format: oracle-aggregator/v{version}
func AgentString() string {
	return "oracle-aggregator/v" + Version
}
