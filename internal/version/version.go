package version

import (
	"fmt"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/opentalon/relay/internal/version.Version=..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

type Info struct {
	Version string
	Commit  string
	Date    string
}

// Get returns the linker-set values. A dev build installed with go install
// falls back to the module version and VCS stamp from the build info.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, Date: Date}
	if info.Version != "dev" {
		return info
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	return fromBuildInfo(info, bi)
}

func fromBuildInfo(info Info, bi *debug.BuildInfo) Info {
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		info.Version = v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" && len(s.Value) >= 7 {
				info.Commit = s.Value[:7]
			}
		case "vcs.time":
			if info.Date == "unknown" {
				info.Date = s.Value
			}
		}
	}
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("Relay %s (commit: %s, built: %s)", i.Version, i.Commit, i.Date)
}

// UserAgent is sent on outbound HTTP calls to services.
func UserAgent() string {
	return "relay/" + Get().Version
}
