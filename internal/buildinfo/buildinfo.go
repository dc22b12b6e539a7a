package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/ankouros/pmesh/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// String returns a human-readable version string. Missing commit and time
// fall back to the VCS stamp recorded by the Go toolchain.
func String() string {
	version, commit, built := Version, GitCommit, BuildTime
	if version == "" {
		version = "dev"
	}
	if commit == "" || built == "" {
		c, b := vcsStamp()
		if commit == "" {
			commit = c
		}
		if built == "" {
			built = b
		}
	}

	info := fmt.Sprintf("pmesh %s", version)
	if commit != "" {
		info = fmt.Sprintf("%s (%s)", info, commit)
	}
	if built != "" {
		info = fmt.Sprintf("%s built at %s", info, built)
	}
	return info
}

func vcsStamp() (commit, built string) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
			if len(commit) > 12 {
				commit = commit[:12]
			}
		case "vcs.time":
			built = s.Value
		}
	}
	return commit, built
}
