package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/cruciblehq/stratum/internal/launch"
)

const (
	DefaultPythonVersion = "3.12"
	DefaultWorkdir       = "/app"
)

// Dependency file layouts recognized by Generate, in detection order.
var lockfiles = []struct {
	name    string
	manager string
}{
	{"poetry.lock", "poetry"},
	{"Pipfile.lock", "pipenv"},
	{"requirements.txt", "pip"},
}

// Entry points tried when no launch command is configured.
var entryPoints = []string{"main.py", "app.py", "run.py", "server.py", "src/main.py"}

// Options for Generate.
type GenerateOptions struct {
	PythonVersion string      // Runtime version for the default base image.
	BaseImage     string      // Pinned base image; overrides PythonVersion.
	Workdir       string      // Working directory inside the image.
	Launch        launch.Spec // Launch defaults recorded in the image.
}

// Generated manifest and what it was derived from.
type Generated struct {
	Content      string // Manifest text.
	Manager      string // Detected package manager: pip, poetry or pipenv.
	Dependencies string // Dependency manifest copied before the install step.
}

// Detects the Python dependency manager used in sourceDir.
func DetectLockfile(sourceDir string) (manager, lockfile string) {
	for _, lf := range lockfiles {
		if _, err := os.Stat(filepath.Join(sourceDir, lf.name)); err == nil {
			return lf.manager, lf.name
		}
	}
	return "pip", "requirements.txt"
}

// Generates the canonical seven-step manifest for a Python project.
//
// The dependency files are copied and installed before the rest of the
// source so source edits keep the install layer cached. Host, port and
// profile defaults are written as ENV, the exposed port is derived from the
// same variable, and CMD is a shell command that reads the bind address from
// the environment when the container starts. The reload flag is never written.
func Generate(sourceDir string, opts GenerateOptions) (*Generated, error) {
	manager, lockfile := DetectLockfile(sourceDir)
	if _, err := os.Stat(filepath.Join(sourceDir, lockfile)); err != nil {
		return nil, fmt.Errorf("%w: %s not found in %s", ErrGenerate, lockfile, sourceDir)
	}

	base := opts.BaseImage
	if base == "" {
		version := opts.PythonVersion
		if version == "" {
			version = DefaultPythonVersion
		}
		base = fmt.Sprintf("python:%s-slim", version)
	}

	workdir := opts.Workdir
	if workdir == "" {
		workdir = DefaultWorkdir
	}

	spec := opts.Launch
	if len(spec.Command) == 0 {
		entry, ok := detectEntryPoint(sourceDir)
		if !ok {
			return nil, fmt.Errorf("%w: no launch command configured and no entry point found", ErrGenerate)
		}
		spec.Command = []string{"python", entry}
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerate, err)
	}

	copyFiles, installCmd := installStep(sourceDir, manager)
	cfg := spec.ImageConfig()

	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n\n", base)
	fmt.Fprintf(&b, "WORKDIR %s\n\n", workdir)
	b.WriteString("# Dependency files first so source edits keep the install layer cached\n")
	fmt.Fprintf(&b, "COPY %s ./\n\n", copyFiles)
	fmt.Fprintf(&b, "RUN %s\n\n", installCmd)
	b.WriteString("COPY . .\n\n")
	fmt.Fprintf(&b, "ENV %s\n\n", strings.Join(quoteEnv(cfg.Env), " "))
	fmt.Fprintf(&b, "EXPOSE ${%s}\n\n", launch.EnvPort)
	fmt.Fprintf(&b, "CMD %s\n", execForm(cfg.Cmd))

	return &Generated{
		Content:      b.String(),
		Manager:      manager,
		Dependencies: lockfile,
	}, nil
}

// Returns the files to copy and the install command for a manager.
func installStep(sourceDir, manager string) (string, string) {
	switch manager {
	case "poetry":
		return "pyproject.toml poetry.lock", `pip install poetry && \
    poetry config virtualenvs.create false && \
    poetry install --only main --no-interaction --no-ansi`
	case "pipenv":
		return "Pipfile Pipfile.lock", `pip install pipenv && \
    pipenv install --system --deploy --ignore-pipfile`
	}
	if requirementsHaveHashes(sourceDir) {
		return "requirements.txt", "pip install --no-cache-dir --require-hashes --only-binary :all: -r requirements.txt"
	}
	return "requirements.txt", "pip install --no-cache-dir -r requirements.txt"
}

// Whether requirements.txt pins hashes, enabling pip's strict mode.
func requirementsHaveHashes(sourceDir string) bool {
	data, err := os.ReadFile(filepath.Join(sourceDir, "requirements.txt"))
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "--hash=")
}

func detectEntryPoint(sourceDir string) (string, bool) {
	for _, candidate := range entryPoints {
		if _, err := os.Stat(filepath.Join(sourceDir, candidate)); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// Renders argv as a JSON array.
func execForm(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// Quotes ENV values that need it.
func quoteEnv(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out[i] = k + "=" + shellescape.Quote(v)
	}
	return out
}
