// Package buildinfo exposes build identity for health endpoints.
package buildinfo

import (
	"fmt"
	"os"
)

// Set via ldflags during build; GIT_SHA overrides at runtime.
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Info contains build information
type Info struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// Get returns the build information, preferring the GIT_SHA env var for the
// commit when set.
func Get() Info {
	commit := gitCommit
	if sha := os.Getenv("GIT_SHA"); sha != "" {
		commit = sha
	}
	return Info{Version: version, BuildTime: buildTime, GitCommit: commit}
}

// String returns a formatted build identity line.
func (i Info) String() string {
	return fmt.Sprintf("Version: %s, Build Time: %s, Git Commit: %s", i.Version, i.BuildTime, i.GitCommit)
}
