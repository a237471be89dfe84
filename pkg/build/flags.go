// SPDX-License-Identifier: MIT
//
// Package build provides the application's build information: name, build
// time, Git commit and semantic version. Release builds embed them with
// linker flags, for example:
//
//	go build -ldflags "-X emgscope/pkg/build.buildName=emgscope \
//	    -X emgscope/pkg/build.buildVersion=0.1.0 ..."
//
// Development builds carry no linker flags; Initialize then falls back to the
// module and VCS information the Go toolchain records in the binary.
package build

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
)

// DefaultName is used when the binary carries no name.
const DefaultName = "emgscope"

// Info is the build metadata of the running binary.
type Info struct {
	Name        string
	Description string
	Time        string
	Commit      string
	Version     string
	InstanceID  string // Random per process, tags logs and metrics.
}

// Package-level variables for build information. These are populated by
// -ldflags during compilation.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildFlags   = &Info{
		Name:        DefaultName,
		Description: "EMG acquisition client, live monitor and stream simulator",
		Time:        "unknown",
		Commit:      "unknown",
		Version:     "unknown",
	}
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Initialize copies the linker-provided build information into the package
// state. When no linker flags were given at all it reads the toolchain's
// build info instead. A partial set of linker flags is an error naming every
// missing one.
func Initialize() error {
	buildFlags.InstanceID = uuid.NewString()

	flags := []struct {
		name  string
		value string
		dst   *string
	}{
		{"buildName", buildName, &buildFlags.Name},
		{"buildTime", buildTime, &buildFlags.Time},
		{"buildCommit", buildCommit, &buildFlags.Commit},
		{"buildVersion", buildVersion, &buildFlags.Version},
	}

	var missing []string
	for _, f := range flags {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	switch len(missing) {
	case len(flags):
		fromBuildInfo(buildFlags)
		return nil
	case 0:
	default:
		return fmt.Errorf("incomplete linker flags, missing %s", strings.Join(missing, ", "))
	}

	for _, f := range flags {
		*f.dst = f.value
	}
	return nil
}

func fromBuildInfo(info *Info) {
	bi, ok := readBuildInfo()
	if !ok {
		return
	}
	if v := bi.Main.Version; v != "" {
		info.Version = v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.time":
			info.Time = s.Value
		}
	}
}

// GetBuildFlags returns the current build information. Initialize() should
// be called first.
func GetBuildFlags() *Info {
	return buildFlags
}

// String renders the version line printed by the CLI.
func (i *Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", i.Name, i.Version, i.Commit, i.Time)
}
