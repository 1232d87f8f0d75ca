package manifest

import (
	"regexp"
	"strings"
)

// Python package version, accepting the spellings pip normalizes.
var versionPattern = regexp.MustCompile(`^v?` +
	`(?:(\d+)!)?` + // epoch
	`(\d+(?:\.\d+)*)` + // release
	`(?:[-_.]?(a|b|c|rc|alpha|beta|pre|preview)[-_.]?(\d*))?` + // pre-release
	`(?:-(\d+)|[-_.]?(post|rev|r)[-_.]?(\d*))?` + // post-release
	`(?:[-_.]?(dev)[-_.]?(\d*))?` + // development release
	`(?:\+([a-z0-9]+(?:[-_.][a-z0-9]+)*))?$`) // local label

var preReleaseNames = map[string]string{
	"a": "a", "alpha": "a",
	"b": "b", "beta": "b",
	"c": "rc", "rc": "rc", "pre": "rc", "preview": "rc",
}

// Canonical form of a version and its local label.
//
// Release segments lose leading zeros and trailing ".0" segments, so "0.110"
// and "0.110.0" share a form. The second result is false when v is not a
// valid version.
func canonicalVersion(v string) (string, string, bool) {
	m := versionPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(v)))
	if m == nil {
		return "", "", false
	}

	var b strings.Builder
	if epoch := trimNumber(m[1]); epoch != "0" {
		b.WriteString(epoch + "!")
	}

	release := strings.Split(m[2], ".")
	for i := range release {
		release[i] = trimNumber(release[i])
	}
	for len(release) > 1 && release[len(release)-1] == "0" {
		release = release[:len(release)-1]
	}
	b.WriteString(strings.Join(release, "."))

	if m[3] != "" {
		b.WriteString(preReleaseNames[m[3]] + trimNumber(m[4]))
	}
	switch {
	case m[5] != "":
		b.WriteString(".post" + trimNumber(m[5]))
	case m[6] != "":
		b.WriteString(".post" + trimNumber(m[7]))
	}
	if m[8] != "" {
		b.WriteString(".dev" + trimNumber(m[9]))
	}

	local := strings.NewReplacer("-", ".", "_", ".").Replace(m[10])
	return b.String(), local, true
}

// Strips leading zeros; an empty number is zero.
func trimNumber(s string) string {
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

// Whether an installed version satisfies an "==" pin.
//
// Versions are compared in canonical form with zero padding of the release.
// A pin without a local label matches any local label of the installed
// version. Unparseable versions are compared as written.
func VersionMatches(pinned, installed string) bool {
	want, wantLocal, ok1 := canonicalVersion(pinned)
	got, gotLocal, ok2 := canonicalVersion(installed)
	if !ok1 || !ok2 {
		return strings.EqualFold(strings.TrimSpace(pinned), strings.TrimSpace(installed))
	}
	if want != got {
		return false
	}
	return wantLocal == "" || wantLocal == gotLocal
}
