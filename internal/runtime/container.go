package runtime

import (
	"context"
	"log/slog"
	"sync"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// A container backed by containerd.
type Container struct {
	client   *containerd.Client // Containerd client for managing the container.
	id       string             // Unique identifier for the container, used as the containerd container ID.
	platform string             // OCI platform (e.g., "linux/amd64").
	image    string             // Containerd image tag the container was created from.

	mu       sync.Mutex
	releases []func(context.Context) error // Content leases held by the container.
	once     sync.Once
}

// Removes the container and its resources.
//
// The task is killed and the container is removed from containerd along
// with its snapshot. Leases taken for diffs are released. Calling Destroy
// more than once is a no-op.
func (c *Container) Destroy(ctx context.Context) {
	c.once.Do(func() {
		c.destroy(ctx)
	})
}

func (c *Container) destroy(ctx context.Context) {
	defer c.release(ctx)

	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Warn("failed to load container for destruction", "id", c.id, "error", err)
		}
		return
	}

	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("failed to delete container during destruction", "id", c.id, "error", err)
	}
}

// Releases the content leases held by the container.
func (c *Container) release(ctx context.Context) {
	c.mu.Lock()
	releases := c.releases
	c.releases = nil
	c.mu.Unlock()

	for _, done := range releases {
		if err := done(ctx); err != nil {
			slog.Warn("failed to release lease", "id", c.id, "error", err)
		}
	}
}

// Creates the containerd container with the standard configuration.
//
// The image configuration supplies the process defaults and opts are applied
// after it. The container shares the host network namespace.
func (c *Container) create(ctx context.Context, image containerd.Image, opts ...oci.SpecOpts) (containerd.Container, error) {
	specOpts := []oci.SpecOpts{
		oci.WithDefaultSpecForPlatform(c.platform),
		oci.WithImageConfig(image),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
		oci.WithProcessArgs("sleep", "infinity"),
	}
	specOpts = append(specOpts, opts...)

	return c.client.NewContainer(ctx, c.id,
		containerd.WithImage(image),
		containerd.WithSnapshotter(snapshotter),
		containerd.WithNewSnapshot(c.id, image),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(specOpts...),
	)
}

// Removes an existing container with this ID, if one exists.
//
// Any running task is killed and the container is deleted along with its
// snapshot. This is a no-op when no container with the ID is found.
func (c *Container) remove(ctx context.Context) {
	existing, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return
	}
	if task, err := existing.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}
	existing.Delete(ctx, containerd.WithSnapshotCleanup)
}
