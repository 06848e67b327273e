package version

import "testing"

func withBuildInfo(t *testing.T, version, commit, buildTime string) {
	t.Helper()
	origVersion, origCommit, origBuildTime := Version, GitCommit, BuildTime
	t.Cleanup(func() {
		Version, GitCommit, BuildTime = origVersion, origCommit, origBuildTime
	})
	Version, GitCommit, BuildTime = version, commit, buildTime
}

func TestVersionNotEmpty(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestFull(t *testing.T) {
	tests := []struct {
		name      string
		commit    string
		buildTime string
		want      string
	}{
		{"version only", "", "", "1.0.0"},
		{"with commit", "abc1234", "", "1.0.0-abc1234"},
		{"with build time", "", "2026-01-29T12:00:00Z", "1.0.0 (2026-01-29T12:00:00Z)"},
		{"complete", "abc1234", "2026-01-29T12:00:00Z", "1.0.0-abc1234 (2026-01-29T12:00:00Z)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withBuildInfo(t, "1.0.0", tt.commit, tt.buildTime)
			if got := Full(); got != tt.want {
				t.Errorf("Full() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	withBuildInfo(t, "1.2.0", "", "")
	if got := UserAgent(); got != "psnpool/1.2.0" {
		t.Errorf("UserAgent() = %q", got)
	}

	withBuildInfo(t, "1.2.0", "abc1234", "2026-01-29T12:00:00Z")
	if got := UserAgent(); got != "psnpool/1.2.0+abc1234" {
		t.Errorf("UserAgent() = %q", got)
	}
}
