package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Commits the changes made in the container as a layer.
//
// The diff between the container's snapshot and its parent is written to
// the content store under a lease held until the container is destroyed,
// so the returned layer stays readable for as long as the container exists.
// The layer is read lazily from the content store.
func (c *Container) Diff(ctx context.Context) (v1.Layer, error) {
	loaded, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	info, err := loaded.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	// Without a lease containerd's GC may collect the diff blob before it
	// has been read.
	lctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	c.mu.Lock()
	c.releases = append(c.releases, done)
	c.mu.Unlock()

	desc, err := rootfs.CreateDiff(lctx,
		info.SnapshotKey,
		c.client.SnapshotService(info.Snapshotter),
		c.client.DiffService(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("snapshot diff", "id", c.id, "digest", desc.Digest.String(), "size", desc.Size)

	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return c.openBlob(context.WithoutCancel(ctx), desc)
	}, tarball.WithMediaType(types.MediaType(desc.MediaType)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return layer, nil
}

// Opens a blob of the content store for sequential reading.
func (c *Container) openBlob(ctx context.Context, desc ocispec.Descriptor) (io.ReadCloser, error) {
	ra, err := c.client.ContentStore().ReaderAt(ctx, desc)
	if err != nil {
		return nil, err
	}
	return blobReader{Reader: content.NewReader(ra), Closer: ra}, nil
}

type blobReader struct {
	io.Reader
	io.Closer
}
