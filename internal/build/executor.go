package build

import (
	"context"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Starts sessions in which RUN steps execute.
type Executor interface {

	// Starts a session whose filesystem is the given image. The id is unique
	// per build step and may be used to name containers.
	Start(ctx context.Context, img v1.Image, id string) (Session, error)
}

// Running instance of an intermediate image.
type Session interface {

	// Runs argv with the given environment and working directory.
	Exec(ctx context.Context, argv, env []string, workdir string) (*ExecResult, error)

	// Returns the filesystem changes made in the session as a layer.
	Diff(ctx context.Context) (v1.Layer, error)

	// Releases the session. Safe to call more than once.
	Destroy(ctx context.Context)
}

// Outcome of a command executed in a session.
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
}
