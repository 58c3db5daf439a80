// Package version holds apigate build metadata, injected via ldflags.
package version

import (
	"runtime/debug"
	"strings"
)

var (
	// Version is the git describe output of the build.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "none"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// String returns formatted version information.
func String() string {
	return Short() + " (commit: " + Commit + ", built: " + BuildDate + ")"
}

// Short condenses a git describe version such as v0.3.1-20-ga961617-dirty
// into v0.3.1-a961617-20. Release tags are returned unchanged.
func Short() string {
	v := Version
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	v = strings.TrimSuffix(v, "-dirty")

	parts := strings.Split(v, "-")
	if len(parts) < 3 {
		return v
	}
	n := len(parts)
	hash, ahead := parts[n-1], parts[n-2]
	if !strings.HasPrefix(hash, "g") {
		return v
	}
	tag := strings.Join(parts[:n-2], "-")
	return tag + "-" + strings.TrimPrefix(hash, "g") + "-" + ahead
}
