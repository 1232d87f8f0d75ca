package build

import (
	"os"
	"path"
	"slices"
	"strings"

	"github.com/cruciblehq/stratum/internal/manifest"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Default shell used for shell-form instructions when the image sets none.
const defaultShell = "/bin/sh"

// Tracks the environment, working directory and shell across steps.
//
// State flows linearly through the instruction list and starts from the
// base image configuration. ENV and WORKDIR update it permanently; RUN and
// COPY read from it.
type stepState struct {
	shell   []string
	workdir string
	env     []string // KEY=VALUE in image order
}

// Creates a [stepState] seeded from an image configuration.
func newStepState(cfg v1.Config) *stepState {
	s := &stepState{
		shell:   []string{defaultShell, "-c"},
		workdir: cfg.WorkingDir,
		env:     slices.Clone(cfg.Env),
	}
	if len(cfg.Shell) > 0 {
		s.shell = slices.Clone(cfg.Shell)
	}
	if s.workdir == "" {
		s.workdir = "/"
	}
	return s
}

// Returns the value of an environment variable.
func (s *stepState) lookup(key string) (string, bool) {
	for i := len(s.env) - 1; i >= 0; i-- {
		k, v, _ := strings.Cut(s.env[i], "=")
		if k == key {
			return v, true
		}
	}
	return "", false
}

// Sets an environment variable, replacing it in place when present.
func (s *stepState) setEnv(key, value string) {
	kv := key + "=" + value
	for i, e := range s.env {
		if k, _, _ := strings.Cut(e, "="); k == key {
			s.env[i] = kv
			return
		}
	}
	s.env = append(s.env, kv)
}

// Expands $VAR and ${VAR} references against the environment.
//
// Unset variables expand to the empty string.
func (s *stepState) expand(str string) string {
	return os.Expand(str, func(key string) string {
		v, _ := s.lookup(key)
		return v
	})
}

// Resolves p against the working directory.
func (s *stepState) resolvePath(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(s.workdir, p)
}

// Changes the working directory. Relative paths resolve against the current one.
func (s *stepState) setWorkdir(dir string) {
	s.workdir = s.resolvePath(dir)
}

// Returns the argument vector for a RUN, CMD or ENTRYPOINT instruction.
//
// Exec form is used as is. Shell form is passed to the shell.
func (s *stepState) command(inst manifest.Instruction) []string {
	if inst.JSON {
		return slices.Clone(inst.Args)
	}
	return append(slices.Clone(s.shell), strings.Join(inst.Args, " "))
}

// Returns a copy of the environment as a list of "key=value" strings suitable
// for passing to an executor.
func (s *stepState) environ() []string {
	return slices.Clone(s.env)
}
