package version

import "fmt"

// Set at build time via -ldflags.
var (
	version   string
	commit    string
	buildTime string
)

// Version returns the agent version.
func Version() string {
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("version: %s, commit: %s, build time: %s", version, commit, buildTime)
}
