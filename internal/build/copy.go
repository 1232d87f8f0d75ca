package build

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/cruciblehq/stratum/internal/manifest"
)

// File names that identify a dependency manifest.
var dependencyFiles = []string{
	"requirements.txt",
	"poetry.lock",
	"pyproject.toml",
	"Pipfile",
	"Pipfile.lock",
}

// Directory holding split requirement files, e.g. requirements/prod.txt.
const requirementsDir = "requirements"

// Whether the context-relative path names a dependency manifest.
func isDependencyFile(rel string) bool {
	base := path.Base(rel)
	if slices.Contains(dependencyFiles, base) {
		return true
	}
	if ok, _ := path.Match("requirements*.txt", base); ok {
		return true
	}
	return path.Ext(base) == ".txt" && slices.Contains(strings.Split(path.Dir(rel), "/"), requirementsDir)
}

// Host paths of the dependency manifests among the regular files of a
// copied directory. A directory that holds anything else is treated as
// source, so "COPY . ." never marks an install.
func directoryDependencies(contextDir string, entries []tarEntry) []string {
	var deps []string
	for _, e := range entries {
		if e.hostPath == "" || !e.mode.IsRegular() {
			continue
		}
		rel, err := filepath.Rel(contextDir, e.hostPath)
		if err != nil || !isDependencyFile(filepath.ToSlash(rel)) {
			return nil
		}
		deps = append(deps, e.hostPath)
	}
	return deps
}

// Resolved COPY instruction.
type copyPlan struct {
	entries      []tarEntry // Layer entries, unsorted.
	dependencies []string   // Host paths of copied dependency manifests.
}

// Hash inputs of the plan, one per entry in archive order.
func (p *copyPlan) inputs() ([]string, error) {
	sorted := slices.Clone(p.entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	inputs := make([]string, 0, len(sorted))
	for _, e := range sorted {
		h, err := hashEntry(e)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCopy, err)
		}
		inputs = append(inputs, h)
	}
	return inputs, nil
}

// Parses COPY arguments into sources and an absolute destination.
//
// The last argument is the destination. If it is not absolute, it is joined
// with workdir. The destination names a directory when it ends in a slash or
// is ".", and must do so when there are several sources.
func parseCopy(args []string, workdir string) (srcs []string, dest string, destDir bool, err error) {
	if len(args) < 2 {
		return nil, "", false, fmt.Errorf("expected source and destination, got %q", strings.Join(args, " "))
	}

	srcs = args[:len(args)-1]
	raw := args[len(args)-1]
	destDir = strings.HasSuffix(raw, "/") || raw == "." || strings.HasSuffix(raw, "/.")

	dest = raw
	if !path.IsAbs(dest) {
		if workdir == "" {
			return nil, "", false, fmt.Errorf("relative dest %q requires workdir", raw)
		}
		dest = path.Join(workdir, dest)
	}
	dest = path.Clean(dest)

	if len(srcs) > 1 && !destDir {
		return nil, "", false, fmt.Errorf("destination %q must end with / when copying several sources", raw)
	}
	return srcs, dest, destDir, nil
}

// Resolves a COPY instruction against the build context.
//
// Sources are expanded, matched against glob patterns and confined to the
// context directory. Directories are copied by content. Ignored paths are
// skipped; naming an ignored file directly is an error.
func planCopy(inst manifest.Instruction, state *stepState, contextDir string, ignore *ignoreMatcher) (*copyPlan, error) {
	args := make([]string, len(inst.Args))
	for i, a := range inst.Args {
		args[i] = state.expand(a)
	}

	srcs, dest, destDir, err := parseCopy(args, state.workdir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCopy, err)
	}

	owner, err := parseChown(inst)
	if err != nil {
		return nil, err
	}
	perm, err := parseChmod(inst)
	if err != nil {
		return nil, err
	}

	var hostSrcs []string
	for _, src := range srcs {
		matches, err := resolveSource(contextDir, src)
		if err != nil {
			return nil, err
		}
		hostSrcs = append(hostSrcs, matches...)
	}
	if len(hostSrcs) > 1 {
		destDir = true
	}

	plan := &copyPlan{}
	if destDir {
		plan.entries = parentDirs(dest)
	} else {
		plan.entries = parentDirs(path.Dir(dest))
	}

	for _, hostPath := range hostSrcs {
		info, err := os.Lstat(hostPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCopy, err)
		}

		rel, err := filepath.Rel(contextDir, hostPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCopy, err)
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			entries, err := walkSource(hostPath, rel, dest, ignore)
			if err != nil {
				return nil, err
			}
			plan.entries = append(plan.entries, entries...)
			plan.dependencies = append(plan.dependencies, directoryDependencies(contextDir, entries)...)
			continue
		}

		if ignored, _, err := ignore.match(rel, false); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCopy, err)
		} else if ignored {
			return nil, fmt.Errorf("%w: %s is excluded by ignore patterns", ErrCopy, rel)
		}

		target := dest
		if destDir {
			target = path.Join(dest, filepath.Base(hostPath))
		}
		e, err := newEntry(hostPath, target, info)
		if err != nil {
			return nil, err
		}
		plan.entries = append(plan.entries, e)

		if isDependencyFile(rel) {
			plan.dependencies = append(plan.dependencies, hostPath)
		}
	}

	for i := range plan.entries {
		e := &plan.entries[i]
		if e.hostPath == "" {
			continue // synthesized parent
		}
		e.uid, e.gid = owner.uid, owner.gid
		if perm != nil {
			e.mode = e.mode.Type() | *perm
		}
	}

	return plan, nil
}

// Walks a source directory, mapping its content below dest.
func walkSource(hostDir, relDir, dest string, ignore *ignoreMatcher) ([]tarEntry, error) {
	var entries []tarEntry

	err := filepath.WalkDir(hostDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		ignored, skip, err := ignore.match(path.Join(relDir, relPath), d.IsDir())
		if err != nil {
			return err
		}
		if skip {
			return filepath.SkipDir
		}
		if ignored {
			return nil
		}
		if relPath == "." && dest == "/" {
			return nil // image root
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		e, err := newEntry(p, path.Join(dest, relPath), info)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCopy, err)
	}
	return entries, nil
}

// Creates a layer entry for a host file placed at the absolute image path target.
func newEntry(hostPath, target string, info fs.FileInfo) (tarEntry, error) {
	e := tarEntry{
		name:     strings.TrimPrefix(path.Clean(target), "/"),
		hostPath: hostPath,
		mode:     info.Mode(),
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		link, err := os.Readlink(hostPath)
		if err != nil {
			return e, fmt.Errorf("%w: %w", ErrCopy, err)
		}
		e.link = link
	case info.Mode().IsRegular():
		e.size = info.Size()
	case info.IsDir():
	default:
		return e, fmt.Errorf("%w: unsupported file type %s: %s", ErrCopy, info.Mode().Type(), hostPath)
	}
	return e, nil
}

// Resolves a source pattern to host paths inside the context.
func resolveSource(contextDir, src string) ([]string, error) {
	hostPath, err := safeJoin(contextDir, src)
	if err != nil {
		return nil, err
	}

	if !strings.ContainsAny(src, "*?[") {
		if _, err := os.Lstat(hostPath); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCopy, err)
		}
		return []string{hostPath}, nil
	}

	matches, err := filepath.Glob(hostPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCopy, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no source files match %q", ErrCopy, src)
	}
	sort.Strings(matches)
	return matches, nil
}

// Joins rel onto root, rejecting results outside root.
func safeJoin(root, rel string) (string, error) {
	p := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is outside the build context", ErrCopy, rel)
	}
	return p, nil
}

type ownership struct {
	uid, gid int
}

// Parses a numeric --chown=uid[:gid] flag. Names are not resolved.
func parseChown(inst manifest.Instruction) (ownership, error) {
	v, ok := inst.Flag("chown")
	if !ok {
		return ownership{}, nil
	}

	u, g, hasGroup := strings.Cut(v, ":")
	uid, err := strconv.Atoi(u)
	if err != nil {
		return ownership{}, fmt.Errorf("%w: --chown requires numeric ids, got %q", ErrInvalidInstruction, v)
	}
	gid := uid
	if hasGroup {
		if gid, err = strconv.Atoi(g); err != nil {
			return ownership{}, fmt.Errorf("%w: --chown requires numeric ids, got %q", ErrInvalidInstruction, v)
		}
	}
	return ownership{uid: uid, gid: gid}, nil
}

// Parses an octal --chmod flag.
func parseChmod(inst manifest.Instruction) (*fs.FileMode, error) {
	v, ok := inst.Flag("chmod")
	if !ok {
		return nil, nil
	}
	n, err := strconv.ParseUint(v, 8, 32)
	if err != nil || n > 0o7777 {
		return nil, fmt.Errorf("%w: invalid --chmod %q", ErrInvalidInstruction, v)
	}
	mode := fs.FileMode(n).Perm()
	return &mode, nil
}
