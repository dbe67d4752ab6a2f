package version

import (
	"fmt"
	"runtime/debug"
)

// Version values are set at build time using -ldflags.
var Version = "dev"
var Built = ""
var GitCommit = ""

type VersionInfo struct {
	Version   string `json:"version"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

// GetVersionInfo falls back to the embedded build info for values the
// linker did not set.
func GetVersionInfo() VersionInfo {
	info := VersionInfo{
		Version:   Version,
		Built:     Built,
		GitCommit: GitCommit,
	}
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = build.GoVersion
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.GitCommit == "" {
				info.GitCommit = setting.Value
			}
		case "vcs.time":
			if info.Built == "" {
				info.Built = setting.Value
			}
		}
	}
	return info
}

func (info VersionInfo) String() string {
	commit := info.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		return fmt.Sprintf("sessionhost %s", info.Version)
	}
	return fmt.Sprintf("sessionhost %s (%s)", info.Version, commit)
}
