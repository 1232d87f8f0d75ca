package manifest

import "testing"

func TestVersionMatches(t *testing.T) {
	tests := []struct {
		pinned, installed string
		want              bool
	}{
		{"0.110", "0.110.0", true},
		{"0.110.0", "0.110", true},
		{"1.0", "1.0.0.0", true},
		{"01.02", "1.2", true},
		{"2.0RC1", "2.0rc1", true},
		{"2.0-beta.2", "2.0b2", true},
		{"1.0-1", "1.0.post1", true},
		{"1.0.dev", "1.0.dev0", true},
		{"v1.4", "1.4", true},
		{"0!1.0", "1.0", true},
		{"1.0", "1.0+ubuntu1", true},
		{"1.0+cpu", "1.0+cpu", true},
		{"1.0+cpu", "1.0+cu121", false},
		{"1.0", "1.0.1", false},
		{"1.0", "1.0rc1", false},
		{"1.0", "1.0.post1", false},
		{"1!1.0", "1.0", false},
		{"abc", "ABC", true},
		{"abc", "1.0", false},
	}
	for _, tt := range tests {
		if got := VersionMatches(tt.pinned, tt.installed); got != tt.want {
			t.Errorf("VersionMatches(%q, %q) = %v, want %v", tt.pinned, tt.installed, got, tt.want)
		}
	}
}
