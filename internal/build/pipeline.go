package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cruciblehq/stratum/internal/cache"
	"github.com/cruciblehq/stratum/internal/launch"
	"github.com/cruciblehq/stratum/internal/manifest"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/samber/lo"
)

// Holds the state of one build as it moves through the steps.
type pipeline struct {
	deps       Deps
	opts       Options
	img        v1.Image               // Image built so far.
	key        string                 // Cache key of the last completed step.
	state      *stepState             // Environment, workdir and shell.
	mediaType  types.MediaType        // Layer media type matching the base manifest.
	ignore     *ignoreMatcher         // COPY exclusions.
	pending    []string               // Dependency manifests copied since the last RUN.
	cmdSet     bool                   // Whether CMD appeared in the manifest.
	steps      []StepResult           // Completed steps.
	newBackOff func() backoff.BackOff // Retry schedule for install steps.
}

// Creates a new [pipeline] from the given dependencies and options.
func newPipeline(deps Deps, opts Options) *pipeline {
	return &pipeline{
		deps: deps,
		opts: opts,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Runs every step and publishes the result.
//
// The layer cache index is saved whatever the outcome, so layers of steps
// that succeeded before a failure are reused by the next build.
func (p *pipeline) build(ctx context.Context) (*Result, error) {
	defer p.saveCache()

	ignore, err := loadIgnore(p.opts.Context, p.opts.Ignore)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	p.ignore = ignore

	for i, inst := range p.opts.Manifest.Instructions {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: step %d (%s): %w", ErrBuild, i+1, inst, err)
		}
		if err := p.runStep(ctx, i, inst); err != nil {
			return nil, fmt.Errorf("%w: step %d (%s): %w", ErrBuild, i+1, inst, err)
		}
	}

	img, err := p.finalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	return p.publish(img)
}

// Stamps the creation time and checks the port contract.
func (p *pipeline) finalize() (v1.Image, error) {
	img, err := mutate.CreatedAt(p.img, v1.Time{Time: p.epoch()})
	if err != nil {
		return nil, err
	}
	if err := p.checkPorts(img); err != nil {
		return nil, err
	}
	return img, nil
}

// Writes the image to the store and moves the tag to it.
func (p *pipeline) publish(img v1.Image) (*Result, error) {
	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	result := &Result{
		ID:     p.opts.ID,
		Digest: digest.String(),
		Steps:  p.steps,
		Image:  img,
	}

	if p.opts.Tag.IsZero() {
		if _, err := p.deps.Store.AddImage(img); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBuild, err)
		}
		slog.Info("built", "digest", result.Digest)
		return result, nil
	}

	rec, err := p.deps.Store.Publish(p.opts.Tag, img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	result.Reference = rec.Reference

	slog.Info("published", "tag", rec.Reference, "digest", rec.Digest)
	return result, nil
}

// Checks that the launch port is among the exposed ports.
func (p *pipeline) checkPorts(img v1.Image) error {
	if p.opts.Launch == nil {
		return nil
	}
	port := p.opts.Launch.Port
	if port == 0 {
		port = launch.DefaultPort
	}

	cf, err := img.ConfigFile()
	if err != nil {
		return err
	}

	want := launch.PortKey(port)
	if _, ok := cf.Config.ExposedPorts[want]; !ok {
		declared := lo.Keys(cf.Config.ExposedPorts)
		slices.Sort(declared)
		return fmt.Errorf("%w: launch port %s, declared %v", ErrPortContract, want, declared)
	}
	return nil
}

// Returns the cached layer for key when the cache has it and the blob exists.
func (p *pipeline) cachedLayer(ctx context.Context, key string) (v1.Layer, bool) {
	if p.opts.NoCache {
		return nil, false
	}

	entry, ok := p.deps.Cache.Lookup(key)
	var layer v1.Layer
	if ok && entry.Layer != "" {
		layer, ok = p.openCached(entry)
	}

	p.deps.Metrics.recordCacheLookup(ctx, ok)
	return layer, ok
}

func (p *pipeline) openCached(entry cache.Entry) (v1.Layer, bool) {
	h, err := v1.NewHash(entry.Layer)
	if err != nil {
		return nil, false
	}
	l, err := p.deps.Store.Layer(h, types.MediaType(entry.MediaType))
	if err != nil {
		slog.Debug("cached layer unavailable", "layer", entry.Layer, "error", err)
		return nil, false
	}
	return l, true
}

// Whether the cache holds a metadata-only entry for key.
func (p *pipeline) cachedMetadata(ctx context.Context, key string) bool {
	if p.opts.NoCache {
		return false
	}
	_, ok := p.deps.Cache.Lookup(key)
	p.deps.Metrics.recordCacheLookup(ctx, ok)
	return ok
}

// Writes a fresh layer to the store, records it in the cache and returns
// the stored copy.
func (p *pipeline) storeLayer(key string, l v1.Layer, createdBy string) (v1.Layer, error) {
	h, err := p.deps.Store.WriteLayer(l)
	if err != nil {
		return nil, err
	}
	diffID, err := l.DiffID()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	p.deps.Cache.Put(key, cache.Entry{
		Layer:     h.String(),
		DiffID:    diffID.String(),
		MediaType: string(p.mediaType),
		CreatedBy: createdBy,
	})
	return p.deps.Store.Layer(h, p.mediaType)
}

// Produces a fresh layer. The returned function releases intermediates.
type layerProducer func() (v1.Layer, func(), error)

// Reuses the cached layer for key or produces, stores and appends a new one.
func (p *pipeline) layerStep(ctx context.Context, key string, inst manifest.Instruction, produce layerProducer) (stepOutcome, error) {
	out := stepOutcome{key: key}
	createdBy := createdBy(inst)

	l, cached := p.cachedLayer(ctx, key)
	if !cached {
		fresh, release, err := produce()
		if err != nil {
			return out, err
		}
		defer release()

		if l, err = p.storeLayer(key, fresh, createdBy); err != nil {
			return out, err
		}
	}

	digest, err := l.Digest()
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	out.cached = cached
	out.layer = digest.String()

	img, err := mutate.Append(p.img, mutate.Addendum{
		Layer: l,
		History: v1.History{
			Created:   v1.Time{Time: p.epoch()},
			CreatedBy: createdBy,
		},
	})
	if err != nil {
		return out, err
	}
	p.img = img
	return out, nil
}

// Layer producer writing a deterministic tarball to the scratch directory.
func (p *pipeline) tarLayer(write func(io.Writer) error) layerProducer {
	return func() (v1.Layer, func(), error) {
		l, name, err := scratchLayer(p.opts.Scratch, p.mediaType, write)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { os.Remove(name) }, nil
	}
}

// Applies fn to a copy of the image configuration.
//
// A non-nil history entry is appended to the image history.
func (p *pipeline) mutateConfig(fn func(*v1.Config) error, history *v1.History) error {
	cf, err := p.img.ConfigFile()
	if err != nil {
		return err
	}
	cf = cf.DeepCopy()

	if err := fn(&cf.Config); err != nil {
		return err
	}
	if history != nil {
		cf.History = append(cf.History, *history)
	}

	img, err := mutate.ConfigFile(p.img, cf)
	if err != nil {
		return err
	}
	p.img = img
	return nil
}

func (p *pipeline) saveCache() {
	if err := p.deps.Cache.Save(); err != nil {
		slog.Warn("failed to save layer cache", "error", err)
	}
}

func (p *pipeline) epoch() time.Time {
	return p.opts.SourceDateEpoch
}

// Returns the layer media type matching the manifest type of img.
func layerMediaType(img v1.Image) types.MediaType {
	mt, err := img.MediaType()
	if err == nil && mt == types.OCIManifestSchema1 {
		return types.OCILayer
	}
	return types.DockerLayer
}
