package version

import "testing"

func TestGetVersionInfoPrefersLinkerValues(t *testing.T) {
	previousVersion, previousBuilt, previousCommit := Version, Built, GitCommit
	t.Cleanup(func() {
		Version, Built, GitCommit = previousVersion, previousBuilt, previousCommit
	})

	Version = "1.2.3"
	Built = "2026-01-11T12:34:56Z"
	GitCommit = "abc123"

	info := GetVersionInfo()
	if info.Version != "1.2.3" {
		t.Fatalf("expected version to be 1.2.3, got %q", info.Version)
	}
	if info.Built != "2026-01-11T12:34:56Z" {
		t.Fatalf("expected built timestamp to be preserved, got %q", info.Built)
	}
	if info.GitCommit != "abc123" {
		t.Fatalf("expected git commit to be preserved, got %q", info.GitCommit)
	}
	if got := info.String(); got != "sessionhost 1.2.3 (abc123)" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestVersionStringTruncatesCommit(t *testing.T) {
	info := VersionInfo{Version: "dev", GitCommit: "0123456789abcdef"}
	if got := info.String(); got != "sessionhost dev (0123456789ab)" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := (VersionInfo{Version: "dev"}).String(); got != "sessionhost dev" {
		t.Fatalf("unexpected string %q", got)
	}
}
