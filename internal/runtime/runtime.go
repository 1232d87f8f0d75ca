package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	goruntime "runtime"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/cruciblehq/stratum/internal/build"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (

	// Snapshotter used for container filesystems. fuse-overlayfs provides
	// overlay semantics without requiring root privileges (no mount(2)),
	// allowing stratum to run as a regular user.
	snapshotter = "fuse-overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"

	// Repository under which imported images are tagged in containerd.
	importRepository = "stratum/image"
)

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client *containerd.Client // Containerd client for managing containers and images.
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// runtime must be closed when no longer needed.
func New(address, namespace string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return &Runtime{client: client}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Starts a build container whose filesystem is img.
//
// A long-running task (sleep infinity) is started so that subsequent Exec
// calls have a running process to attach to. Any existing container with the
// same ID is removed first.
func (rt *Runtime) Start(ctx context.Context, img v1.Image, id string) (build.Session, error) {
	c, ctr, err := rt.create(ctx, img, id)
	if err != nil {
		return nil, err
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		c.Destroy(ctx)
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	if err := task.Start(ctx); err != nil {
		c.Destroy(ctx)
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Debug("container started", "id", id, "image", c.image)
	return c, nil
}

// Imports img and creates a container for it without starting a task.
func (rt *Runtime) create(ctx context.Context, img v1.Image, id string, opts ...oci.SpecOpts) (*Container, containerd.Container, error) {
	platform := imagePlatform(img)

	tag, err := rt.importImage(ctx, img, platform)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	c := &Container{
		client:   rt.client,
		id:       id,
		platform: platform,
		image:    tag,
	}

	// Remove any stale container from an interrupted build with the same ID.
	c.remove(ctx)

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	ctr, err := c.create(ctx, image, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return c, ctr, nil
}

// Makes img available in containerd under a tag derived from its digest.
//
// The image is streamed as an archive straight into containerd's content
// store, tagged and unpacked. Images already present are left as they are.
func (rt *Runtime) importImage(ctx context.Context, img v1.Image, platform string) (string, error) {
	h, err := img.Digest()
	if err != nil {
		return "", err
	}
	tag, err := imageTag(h)
	if err != nil {
		return "", err
	}

	if _, err := rt.client.ImageService().Get(ctx, tag); err == nil {
		return tag, nil
	} else if !errdefs.IsNotFound(err) {
		return "", err
	}

	source, err := rt.importArchive(ctx, img, tag)
	if err != nil {
		return "", err
	}
	if err := rt.tagImage(ctx, source, tag); err != nil {
		return "", err
	}
	if err := rt.unpackImage(ctx, tag, platform); err != nil {
		return "", err
	}

	slog.Debug("image imported", "tag", tag, "platform", platform)
	return tag, nil
}

// Streams img into the content store as a docker archive.
//
// The archive holds exactly one image, so a single record is expected back.
func (rt *Runtime) importArchive(ctx context.Context, img v1.Image, tag string) (images.Image, error) {
	ref, err := name.NewTag(tag)
	if err != nil {
		return images.Image{}, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarball.Write(ref, img, pw))
	}()

	imported, err := rt.client.Import(ctx, pr)

	// Unblocks the writer when the import stopped reading early.
	pr.Close()

	if err != nil {
		return images.Image{}, err
	}
	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}
	return imported[0], nil
}

// Tags an imported image under a deterministic name.
//
// Updates the tag if it already exists. Removes the source record when
// its name differs from the tag to avoid duplicates.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Unpacks the image layers for the target platform into the snapshotter.
func (rt *Runtime) unpackImage(ctx context.Context, tag, platform string) error {
	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return err
	}

	return image.Unpack(ctx, snapshotter)
}

// Looks up a tagged image and selects the manifest for the given platform.
func (rt *Runtime) resolveImage(ctx context.Context, tag, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Removes imported images that no container uses any more.
//
// Containers are discovered by querying containerd for records whose image
// field matches the tag. Tags still in use are kept. Returns the number of
// images removed.
func (rt *Runtime) Prune(ctx context.Context) (int, error) {
	imgs, err := rt.client.ImageService().List(ctx, fmt.Sprintf("name~=%q", "^"+importRepository+":"))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	removed := 0
	for _, img := range imgs {
		ctrs, err := rt.client.Containers(ctx, fmt.Sprintf("image==%s", img.Name))
		if err != nil {
			return removed, fmt.Errorf("%w: %w", ErrRuntime, err)
		}
		if len(ctrs) > 0 {
			continue
		}
		if err := rt.client.ImageService().Delete(ctx, img.Name); err != nil && !errdefs.IsNotFound(err) {
			return removed, fmt.Errorf("%w: %w", ErrRuntime, err)
		}
		removed++
	}

	slog.Debug("runtime images pruned", "removed", removed)
	return removed, nil
}

// Produces the containerd image tag for a manifest digest.
func imageTag(h v1.Hash) (string, error) {
	d, err := digest.Parse(h.String())
	if err != nil {
		return "", err
	}
	return importRepository + ":" + d.Encoded(), nil
}

// Returns the platform declared in the image config, falling back to the host.
func imagePlatform(img v1.Image) string {
	cf, err := img.ConfigFile()
	if err != nil || cf.OS == "" || cf.Architecture == "" {
		return defaultPlatform()
	}
	return platforms.Format(ocispec.Platform{
		OS:           cf.OS,
		Architecture: cf.Architecture,
		Variant:      cf.Variant,
	})
}

// Returns the default OCI platform for the host architecture.
func defaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}
