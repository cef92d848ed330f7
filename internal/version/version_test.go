package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestGetWithoutBuildStamp(t *testing.T) {
	// Test binaries carry no module version or VCS stamp.
	info := Get()
	if info.Version != "dev" {
		t.Errorf("expected Version=dev, got %s", info.Version)
	}
}

func TestGetPrefersLinkerValues(t *testing.T) {
	old := Version
	Version = "v1.2.3"
	defer func() { Version = old }()
	if got := Get().Version; got != "v1.2.3" {
		t.Errorf("got %q, want v1.2.3", got)
	}
	if got := UserAgent(); got != "relay/v1.2.3" {
		t.Errorf("UserAgent() = %q", got)
	}
}

func TestFromBuildInfo(t *testing.T) {
	base := Info{Version: "dev", Commit: "none", Date: "unknown"}
	tests := []struct {
		name string
		bi   debug.BuildInfo
		want Info
	}{
		{
			name: "devel build keeps defaults",
			bi:   debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			want: base,
		},
		{
			name: "module version and vcs stamp",
			bi: debug.BuildInfo{
				Main: debug.Module{Version: "v0.4.0"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "abc1234def5678"},
					{Key: "vcs.time", Value: "2026-01-01T00:00:00Z"},
				},
			},
			want: Info{Version: "v0.4.0", Commit: "abc1234", Date: "2026-01-01T00:00:00Z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fromBuildInfo(base, &tt.bi); got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestInfoString(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{
			name: "defaults",
			info: Info{Version: "dev", Commit: "none", Date: "unknown"},
			want: "Relay dev (commit: none, built: unknown)",
		},
		{
			name: "release",
			info: Info{Version: "v1.0.0", Commit: "abc1234", Date: "2026-01-01T00:00:00Z"},
			want: "Relay v1.0.0 (commit: abc1234, built: 2026-01-01T00:00:00Z)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.info.String()
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if !strings.HasPrefix(got, "Relay ") {
				t.Errorf("String() = %q", got)
			}
		})
	}
}
