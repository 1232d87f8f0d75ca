package build

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

// Ignore files looked up in the build context, in order of preference.
var ignoreFiles = []string{".stratumignore", ".dockerignore"}

// Patterns excluded from every build context.
var defaultIgnore = []string{
	".git",
	"**/__pycache__",
	"venv",
	".venv",
	"node_modules",
	"**/*.pyc",
	"**/*.pyo",
}

// Decides which context paths are left out of COPY.
type ignoreMatcher struct {
	pm *patternmatcher.PatternMatcher
}

// Loads the ignore file of contextDir combined with the defaults and extra.
func loadIgnore(contextDir string, extra []string) (*ignoreMatcher, error) {
	patterns := append([]string{}, defaultIgnore...)

	for _, name := range ignoreFiles {
		f, err := os.Open(filepath.Join(contextDir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
		}
		filePatterns, err := ignorefile.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCopy, name, err)
		}
		patterns = append(patterns, filePatterns...)
		break
	}
	patterns = append(patterns, extra...)

	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ignore patterns: %w", ErrCopy, err)
	}
	return &ignoreMatcher{pm: pm}, nil
}

// Reports whether the context-relative path rel is ignored, and for
// directories whether the walk may skip it entirely.
func (m *ignoreMatcher) match(rel string, isDir bool) (ignored, skip bool, err error) {
	if rel == "." || rel == "" {
		return false, false, nil
	}
	ignored, err = m.pm.MatchesOrParentMatches(rel)
	if err != nil {
		return false, false, err
	}
	return ignored, ignored && isDir && m.skipDir(rel), nil
}

// Whether no exclusion pattern can re-include something below rel.
func (m *ignoreMatcher) skipDir(rel string) bool {
	if !m.pm.Exclusions() {
		return true
	}

	dirSlash := rel + string(filepath.Separator)
	for _, pat := range m.pm.Patterns() {
		if !pat.Exclusion() {
			continue
		}
		if strings.HasPrefix(pat.String()+string(filepath.Separator), dirSlash) {
			return false
		}
	}
	return true
}
