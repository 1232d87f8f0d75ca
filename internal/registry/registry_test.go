package registry

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/cruciblehq/stratum/internal/store"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestPushAndResolve(t *testing.T) {
	host := testRegistry(t)
	r := &Remote{Insecure: true}
	ctx := context.Background()

	img, err := random.Image(256, 1)
	require.NoError(t, err)

	ref := store.MustParseReference(host + "/app:v1")
	require.NoError(t, r.Push(ctx, img, ref))

	got, err := r.Resolve(ctx, ref, nil)
	require.NoError(t, err)

	want, err := img.Digest()
	require.NoError(t, err)
	gotDigest, err := got.Digest()
	require.NoError(t, err)
	require.Equal(t, want, gotDigest)
}

func TestResolveMissing(t *testing.T) {
	host := testRegistry(t)
	r := &Remote{Insecure: true}

	_, err := r.Resolve(context.Background(), store.MustParseReference(host+"/none:v1"), nil)
	require.ErrorIs(t, err, ErrFetch)
}

type countingResolver struct {
	img   v1.Image
	calls int
}

func (c *countingResolver) Resolve(context.Context, store.Reference, *v1.Platform) (v1.Image, error) {
	c.calls++
	if c.img == nil {
		return nil, errors.New("offline")
	}
	return c.img, nil
}

func TestCachedServesDigestFromStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)

	img, err := random.Image(256, 1)
	require.NoError(t, err)
	h, err := img.Digest()
	require.NoError(t, err)

	next := &countingResolver{img: img}
	c := &Cached{Store: s, Next: next}
	ctx := context.Background()

	// First resolution goes upstream and stores the image.
	_, err = c.Resolve(ctx, store.MustParseReference("example.com/base:1"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, next.calls)

	// Digest references are then served locally.
	next.img = nil
	got, err := c.Resolve(ctx, store.MustParseReference("example.com/base@"+h.String()), nil)
	require.NoError(t, err)
	require.Equal(t, 1, next.calls)

	gotDigest, err := got.Digest()
	require.NoError(t, err)
	require.Equal(t, h, gotDigest)
}
