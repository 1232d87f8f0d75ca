package build

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cruciblehq/stratum/internal/manifest"
	"github.com/samber/lo"
)

// Command that reports installed packages in pip show format.
var defaultVerifyCommand = []string{"python", "-m", "pip", "show"}

// Checks that every requirement in the copied dependency manifests is
// installed in the session, at the pinned version where one is given. Pins
// compare the way pip does, so "==0.110" accepts an installed 0.110.0.
//
// Only pip requirement files are checked. Requirements guarded by an
// environment marker may legitimately be absent and are skipped.
func verifyDependencies(ctx context.Context, sess Session, manifests, command, env []string, workdir string) error {
	var reqs []manifest.Requirement
	for _, path := range manifests {
		if filepath.Ext(path) != ".txt" {
			slog.Debug("skipping dependency verification", "file", filepath.Base(path))
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
		}
		parsed, err := manifest.ParseRequirements(f)
		f.Close()
		if err != nil {
			return err
		}
		reqs = append(reqs, parsed...)
	}

	reqs = lo.Filter(reqs, func(r manifest.Requirement, _ int) bool { return r.Marker == "" })
	if len(reqs) == 0 {
		return nil
	}

	names := lo.Uniq(lo.Map(reqs, func(r manifest.Requirement, _ int) string { return r.Name }))
	argv := append(slices.Clone(command), names...)

	// pip show exits non-zero when any package is missing; the output still
	// lists the ones it found.
	result, err := sess.Exec(ctx, argv, env, workdir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExecutor, err)
	}
	installed := parsePipShow(result.Stdout)

	var problems []string
	for _, r := range reqs {
		version, ok := installed[r.Name]
		switch {
		case !ok:
			problems = append(problems, r.Name+" (not installed)")
		case r.Pinned() && !manifest.VersionMatches(r.Version, version):
			problems = append(problems, fmt.Sprintf("%s==%s (found %s)", r.Name, r.Version, version))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrDependencyMissing, strings.Join(problems, ", "))
	}

	slog.Info("dependencies verified", "count", len(names))
	return nil
}

// Parses "pip show" output into normalized name to version.
func parsePipShow(out string) map[string]string {
	installed := make(map[string]string)

	var name, version string
	flush := func() {
		if name != "" {
			installed[manifest.NormalizeName(name)] = version
		}
		name, version = "", ""
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "---" {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Name":
			name = strings.TrimSpace(value)
		case "Version":
			version = strings.TrimSpace(value)
		}
	}
	flush()
	return installed
}
