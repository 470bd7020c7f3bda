// Package buildinfo reports the version stamped in at link time with
// -ldflags "-X github.com/nugget/catalogmatch/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime,omitempty"`
}

// Get returns the static build metadata.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Runtime returns [Get] plus the current uptime.
func Runtime() Info {
	info := Get()
	info.Uptime = Uptime().String()
	return info
}

// Uptime is the time since the process started, in whole seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return "catalogmatch/" + Version
}

// String is a one-line summary for logs and the version command.
func String() string {
	return fmt.Sprintf("catalogmatch %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
