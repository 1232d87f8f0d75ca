package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (

	// Program name used for logging groups, CLI help and on-disk paths.
	Name = "stratum"

	// String to indicate an undefined variable
	defaultUndefined = "(undefined)"

	// String to indicate a local (non-pipeline) build
	defaultLocalBuild = "(local)"

	// Main branch name used in version strings
	mainBranch = "main"
)

// Set via linker flags, e.g.
//
//	-X github.com/cruciblehq/stratum/internal.version=1.2.3
var (
	version   = "" // Version number (e.g., "1.2.3")
	stage     = "" // Development stage or git branch (e.g., "staging", "main")
	gitCommit = "" // Git commit hash (e.g., "a1b2c3d4")

	rawQuiet   = "false" // Whether to enable quiet mode
	rawDebug   = "false" // Whether to enable debug mode
	rawVerbose = "false" // Whether to enable verbose logging
)

// Build metadata of the running binary.
type Info struct {
	Version string `json:"version"`
	Stage   string `json:"stage"`
	Commit  string `json:"commit"`
	Arch    string `json:"arch"`
	Go      string `json:"go"`
	Local   bool   `json:"local"`
}

// Returns the build metadata.
func BuildInfo() Info {
	return Info{
		Version: Version(),
		Stage:   Stage(),
		Commit:  GitCommit(),
		Arch:    runtime.GOARCH,
		Go:      runtime.Version(),
		Local:   IsLocal(),
	}
}

// Returns the version without a leading "v", or "(undefined)".
func Version() string {
	v := strings.ToLower(strings.TrimSpace(version))
	return orUndefined(strings.TrimPrefix(v, "v"))
}

// Returns the development stage, i.e. the branch the binary was built from,
// or "(undefined)".
func Stage() string {
	return orUndefined(strings.ToLower(strings.TrimSpace(stage)))
}

// Returns the git commit hash, or "(undefined)".
func GitCommit() string {
	return orUndefined(strings.TrimSpace(gitCommit))
}

// Whether this is a local (non-pipeline) build.
//
// Pipeline builds set version, commit and stage via linker flags; missing
// any of them makes the build local.
func IsLocal() bool {
	return strings.TrimSpace(version) == "" ||
		strings.TrimSpace(gitCommit) == "" ||
		strings.TrimSpace(stage) == ""
}

// Returns "(local)" for local builds, otherwise
// "<version>+<stage> <git-commit> [<arch>]". The stage is omitted for main.
func VersionString() string {
	if IsLocal() {
		return defaultLocalBuild
	}

	s := ""
	if st := Stage(); st != mainBranch {
		s = "+" + st
	}
	return fmt.Sprintf("%s%s %s [%s]", Version(), s, GitCommit(), runtime.GOARCH)
}

// User agent sent to registries, e.g. "stratum/1.2.3". Local builds report
// "stratum/dev".
func UserAgent() string {
	if IsLocal() {
		return Name + "/dev"
	}
	return Name + "/" + Version()
}

func orUndefined(s string) string {
	if s == "" {
		return defaultUndefined
	}
	return s
}
