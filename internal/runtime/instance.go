package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/cruciblehq/stratum/internal/launch"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Runs an instance of img with resolved launch parameters and waits for it
// to exit.
//
// The instance shares the host network namespace, so it binds the resolved
// address on the host; the address is probed first and an occupied port
// fails with a launch error before anything is created. The process output
// is copied to stdout and stderr. When ctx ends the instance receives
// SIGTERM and Run waits for it to exit. Returns the exit code of the
// instance.
func (rt *Runtime) Run(ctx context.Context, img v1.Image, id string, r *launch.Resolved, stdout, stderr io.Writer) (int, error) {
	if err := launch.Preflight(ctx, r.Addr()); err != nil {
		return 0, err
	}

	c, ctr, err := rt.create(ctx, img, id,
		oci.WithProcessArgs(r.Args...),
		oci.WithEnv(r.Env),
	)
	if err != nil {
		return 0, err
	}
	cleanup := context.WithoutCancel(ctx)
	defer c.Destroy(cleanup)

	task, err := ctr.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	statusC, err := task.Wait(cleanup)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	if err := task.Start(ctx); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Info("instance started",
		"id", id,
		"addr", r.Addr(),
		"profile", r.Profile,
		"reload", r.Reload,
	)

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		slog.Info("stopping instance", "id", id)
		if err := task.Kill(cleanup, syscall.SIGTERM); err != nil {
			slog.Warn("failed to signal instance", "id", id, "error", err)
		}
		status = <-statusC
	}

	code, _, err := status.Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	slog.Info("instance exited", "id", id, "code", code)
	return int(code), nil
}
