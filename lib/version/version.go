// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// These variables are set via -ldflags at build time, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/rendezvous/lib/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

type stamp struct {
	commit string
	dirty  bool
	time   string
}

var resolved = sync.OnceValue(func() stamp {
	result := stamp{commit: GitCommit, dirty: GitDirty == "true", time: BuildTime}
	if GitCommit != "unknown" {
		return result
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return result
	}
	return fromSettings(result, info.Settings)
})

// fromSettings fills the fields ldflags left unset from the toolchain's
// vcs.* build settings.
func fromSettings(result stamp, settings []debug.BuildSetting) stamp {
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			result.commit = setting.Value
			if len(result.commit) > 7 {
				result.commit = result.commit[:7]
			}
		case "vcs.modified":
			result.dirty = setting.Value == "true"
		case "vcs.time":
			if result.time == "unknown" {
				result.time = setting.Value
			}
		}
	}
	return result
}

// Info returns a formatted version string suitable for --version output.
func Info() string {
	return info(resolved())
}

func info(s stamp) string {
	dirty := ""
	if s.dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, s.commit, dirty, s.time)
}

// Full returns detailed version information including Go version.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns just the version number.
func Short() string {
	return Version
}

// Commit returns the git commit SHA.
func Commit() string {
	return resolved().commit
}

// Print writes "<binary> <Full()>" to stdout for --version.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, Full())
}
