package internal

import (
	"strings"
	"testing"
)

// Overrides the linker variables for the duration of a test.
func setBuild(t *testing.T, v, s, c string) {
	t.Helper()
	oldV, oldS, oldC := version, stage, gitCommit
	version, stage, gitCommit = v, s, c
	t.Cleanup(func() { version, stage, gitCommit = oldV, oldS, oldC })
}

func TestVersionString(t *testing.T) {
	tests := []struct {
		name                   string
		version, stage, commit string
		want                   string
	}{
		{"local", "", "", "", "(local)"},
		{"partial", "1.2.3", "", "abc", "(local)"},
		{"main", "v1.2.3", "main", "abc", "1.2.3 abc ["},
		{"branch", "1.2.3", "Staging", "abc", "1.2.3+staging abc ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBuild(t, tt.version, tt.stage, tt.commit)
			if got := VersionString(); !strings.HasPrefix(got, tt.want) {
				t.Errorf("VersionString() = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	setBuild(t, "", "", "")
	if got := UserAgent(); got != "stratum/dev" {
		t.Errorf("UserAgent() = %q", got)
	}

	setBuild(t, "V2.0.1", "main", "abc")
	if got := UserAgent(); got != "stratum/2.0.1" {
		t.Errorf("UserAgent() = %q", got)
	}
}

func TestBuildInfo(t *testing.T) {
	setBuild(t, "", "", "")
	info := BuildInfo()
	if !info.Local || info.Version != "(undefined)" || info.Go == "" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestLogLevel(t *testing.T) {
	t.Cleanup(func() {
		SetDebug(false)
		SetQuiet(false)
	})

	SetQuiet(true)
	if got := LogLevel().String(); got != "WARN" {
		t.Errorf("quiet level = %s", got)
	}
	SetDebug(true)
	if got := LogLevel().String(); got != "DEBUG" {
		t.Errorf("debug over quiet level = %s", got)
	}
}
