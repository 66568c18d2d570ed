// Package version provides build and version information for contextual.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the current version of contextual.
// Set via ldflags at build time:
// -X github.com/Aman-CERP/contextual/pkg/version.Version=$(VERSION)
var Version = "dev"

// Build information set via ldflags at build time.
var (
	// Commit is the git commit hash.
	Commit = "unknown"

	// Date is the build date in RFC3339 format.
	Date = "unknown"

	// GoVersion is the Go version used to build the binary (set at runtime).
	GoVersion = runtime.Version()
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns a formatted version string with all build info.
func String() string {
	commit, date := vcsInfo()
	return fmt.Sprintf("contextual %s (commit: %s, built: %s, go: %s)",
		Version, commit, date, GoVersion)
}

// Short returns just the version string.
func Short() string {
	return Version
}

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	commit, date := vcsInfo()
	return BuildInfo{
		Version:   Version,
		Commit:    commit,
		Date:      date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// vcsInfo returns Commit and Date, falling back to the VCS stamp the Go
// toolchain embeds when ldflags were not set (go install, go build).
func vcsInfo() (commit, date string) {
	commit, date = Commit, Date
	if commit != "unknown" && date != "unknown" {
		return commit, date
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, date
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && commit == "unknown":
			commit = s.Value
			if len(commit) > 12 {
				commit = commit[:12]
			}
		case s.Key == "vcs.time" && date == "unknown":
			date = s.Value
		}
	}
	return commit, date
}
