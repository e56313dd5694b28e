// Package buildinfo reports the version stamped in by the linker, falling
// back to the VCS data the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime/debug"

	"github.com/cordum/stepflow/core/infra/logging"
)

// Set with -ldflags "-X github.com/cordum/stepflow/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

// Details is the resolved build metadata.
type Details struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

// Get resolves build metadata. Linker values win over embedded VCS settings.
func Get() Details {
	d := Details{Version: Version, Commit: Commit, Date: Date}
	info, ok := readBuildInfo()
	if !ok {
		return d
	}
	d.GoVersion = info.GoVersion
	if d.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		d.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if d.Commit == "unknown" {
				d.Commit = s.Value
			}
		case "vcs.time":
			if d.Date == "unknown" {
				d.Date = s.Value
			}
		case "vcs.modified":
			d.Modified = s.Value == "true"
		}
	}
	return d
}

// Info returns a single-line build summary.
func Info() string {
	d := Get()
	return fmt.Sprintf("version=%s commit=%s date=%s", d.Version, d.Commit, d.Date)
}

// Log writes the build summary under the service name.
func Log(service string) {
	d := Get()
	logging.Info(service, "build info", "version", d.Version, "commit", d.Commit, "date", d.Date, "go", d.GoVersion)
}
