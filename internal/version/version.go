package version

import (
	"runtime/debug"
	"strings"
)

// Version is set at build time with
// -ldflags "-X github.com/ShayCichocki/nightwatch/internal/version.Version=v1.2.3".
var Version = ""

// Get returns the build version, falling back to the module version recorded
// by the toolchain, then "dev".
func Get() string {
	if v := strings.TrimSpace(Version); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
