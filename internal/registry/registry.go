package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cruciblehq/stratum/internal"
	"github.com/cruciblehq/stratum/internal/store"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

var (
	ErrFetch = errors.New("cannot fetch image")
	ErrPush  = errors.New("cannot push image")
)

// Resolves an image reference to an image.
type Resolver interface {
	Resolve(ctx context.Context, ref store.Reference, platform *v1.Platform) (v1.Image, error)
}

// Registry client.
type Remote struct {
	Insecure bool            // Allow plain HTTP registries.
	Keychain authn.Keychain  // Defaults to authn.DefaultKeychain.
	Options  []remote.Option // Extra options for every request.
}

// Fetches the image for ref from its registry.
func (r *Remote) Resolve(ctx context.Context, ref store.Reference, platform *v1.Platform) (v1.Image, error) {
	nref, err := r.parse(ref.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, ref, err)
	}

	opts := r.options(ctx)
	if platform != nil {
		opts = append(opts, remote.WithPlatform(*platform))
	}

	img, err := remote.Image(nref, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, ref, err)
	}
	return img, nil
}

// Pushes img to ref.
func (r *Remote) Push(ctx context.Context, img v1.Image, ref store.Reference) error {
	nref, err := r.parse(ref.String())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPush, ref, err)
	}
	if err := remote.Write(nref, img, r.options(ctx)...); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPush, ref, err)
	}
	slog.Info("pushed", "tag", ref.String())
	return nil
}

func (r *Remote) parse(s string) (name.Reference, error) {
	var opts []name.Option
	if r.Insecure {
		opts = append(opts, name.Insecure)
	}
	return name.ParseReference(s, opts...)
}

func (r *Remote) options(ctx context.Context) []remote.Option {
	kc := r.Keychain
	if kc == nil {
		kc = authn.DefaultKeychain
	}
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(kc),
		remote.WithUserAgent(internal.UserAgent()),
	}
	return append(opts, r.Options...)
}

// Resolver backed by the local store.
type Cached struct {
	Store *store.Store
	Next  Resolver
}

// Resolves ref from the store when possible, otherwise from Next.
//
// Only digest references are served from the store; tags may have moved
// upstream. Images fetched from Next are written to the store.
func (c *Cached) Resolve(ctx context.Context, ref store.Reference, platform *v1.Platform) (v1.Image, error) {
	if ref.IsDigest() {
		if h, err := v1.NewHash(ref.Digest()); err == nil {
			if img, err := c.Store.Image(h); err == nil {
				slog.Debug("base image found in store", "ref", ref.String())
				return img, nil
			}
		}
	}

	img, err := c.Next.Resolve(ctx, ref, platform)
	if err != nil {
		return nil, err
	}

	h, err := c.Store.AddImage(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, ref, err)
	}

	// Serve the stored copy so later steps read local blobs.
	return c.Store.Image(h)
}
