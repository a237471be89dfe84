// SPDX-License-Identifier: MIT
package build

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linkWith sets the linker variables and a fresh Info for one test.
func linkWith(t *testing.T, name, time, commit, version string) {
	t.Helper()
	saved := [4]string{buildName, buildTime, buildCommit, buildVersion}
	savedInfo := buildFlags
	t.Cleanup(func() {
		buildName, buildTime, buildCommit, buildVersion = saved[0], saved[1], saved[2], saved[3]
		buildFlags = savedInfo
	})

	buildName, buildTime, buildCommit, buildVersion = name, time, commit, version
	buildFlags = &Info{Name: DefaultName, Time: "unknown", Commit: "unknown", Version: "unknown"}
}

func TestInitializeLinkerFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   [4]string
		wantErr string
	}{
		{"complete", [4]string{"emgscope", "2026-03-01", "9f8e7d6", "v0.4.0"}, ""},
		{"no name", [4]string{"", "2026-03-01", "9f8e7d6", "v0.4.0"}, "missing buildName"},
		{"no version", [4]string{"emgscope", "2026-03-01", "9f8e7d6", ""}, "missing buildVersion"},
		{"only a name", [4]string{"emgscope", "", "", ""}, "missing buildTime, buildCommit, buildVersion"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			linkWith(t, tt.flags[0], tt.flags[1], tt.flags[2], tt.flags[3])

			err := Initialize()
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			info := GetBuildFlags()
			assert.Equal(t, "emgscope", info.Name)
			assert.Equal(t, "v0.4.0", info.Version)
			assert.Equal(t, "9f8e7d6", info.Commit)
			assert.Equal(t, "2026-03-01", info.Time)
			assert.NotEmpty(t, info.InstanceID)
		})
	}
}

func TestInitializeFromBuildInfo(t *testing.T) {
	linkWith(t, "", "", "", "")
	orig := readBuildInfo
	t.Cleanup(func() { readBuildInfo = orig })
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Version: "v0.3.1"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123abcd"},
				{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			},
		}, true
	}

	require.NoError(t, Initialize())
	info := GetBuildFlags()
	assert.Equal(t, DefaultName, info.Name)
	assert.Equal(t, "emgscope v0.3.1 (commit 0123abcd, built 2026-01-02T03:04:05Z)", info.String())
}

func TestInitializeWithoutBuildInfo(t *testing.T) {
	linkWith(t, "", "", "", "")
	orig := readBuildInfo
	t.Cleanup(func() { readBuildInfo = orig })
	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }

	require.NoError(t, Initialize())
	assert.Equal(t, "emgscope unknown (commit unknown, built unknown)", GetBuildFlags().String())
}
