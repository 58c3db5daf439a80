package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omarluq/apigate/internal/version"
)

func TestShort(t *testing.T) {
	orig := version.Version
	t.Cleanup(func() { version.Version = orig })

	tests := []struct {
		in   string
		want string
	}{
		{in: "v0.3.1", want: "v0.3.1"},
		{in: "v0.0.11-20-ga961617-dirty", want: "v0.0.11-a961617-20"},
		{in: "v1.0.0-rc1-3-gdeadbee", want: "v1.0.0-rc1-deadbee-3"},
		{in: "v1.0.0-rc1", want: "v1.0.0-rc1"},
	}
	for _, tt := range tests {
		version.Version = tt.in
		assert.Equal(t, tt.want, version.Short(), tt.in)
	}
}

func TestString(t *testing.T) {
	orig, origCommit, origDate := version.Version, version.Commit, version.BuildDate
	t.Cleanup(func() {
		version.Version, version.Commit, version.BuildDate = orig, origCommit, origDate
	})

	version.Version = "v0.3.1"
	version.Commit = "a961617"
	version.BuildDate = "2026-10-01"
	assert.Equal(t, "v0.3.1 (commit: a961617, built: 2026-10-01)", version.String())
}
