package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/stratum/internal/cache"
	"github.com/cruciblehq/stratum/internal/launch"
	"github.com/cruciblehq/stratum/internal/manifest"
	"github.com/cruciblehq/stratum/internal/registry"
	"github.com/cruciblehq/stratum/internal/store"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/nrednav/cuid2"
)

// Collaborators of a build.
type Deps struct {
	Store    *store.Store      // Destination for layers and the published image.
	Cache    *cache.Cache      // Layer cache index.
	Resolver registry.Resolver // Resolves the base image.
	Executor Executor          // Runs RUN steps.
	Metrics  *Metrics          // Optional instruments.
}

// Controls a build.
type Options struct {
	Manifest        *manifest.Manifest // Parsed build manifest.
	Context         string             // Build context directory, root for COPY sources.
	Tag             store.Reference    // Tag to publish; the zero value publishes nothing.
	Platform        *v1.Platform       // Base image platform; defaults to the registry's choice.
	NoCache         bool               // Execute every step even when cached.
	AllowUnpinned   bool               // Accept base images without a version.
	SourceDateEpoch time.Time          // Timestamp written into layers and config; zero is the Unix epoch.
	InstallTimeout  time.Duration      // Per-attempt timeout of the install step; zero means none.
	InstallRetries  int                // Retries of a failed install step.
	Verify          bool               // Verify installed dependencies after the install step.
	VerifyCommand   []string           // Command printing pip show output; defaults to python -m pip show.
	Ignore          []string           // Extra ignore patterns for COPY.
	Launch          *launch.Spec       // When set, the image must expose its port.
	Scratch         string             // Directory for intermediate files; defaults to the system temp dir.
	ID              string             // Build identifier; generated when empty.
}

// Returned after a successful build.
type Result struct {
	ID        string       // Build identifier.
	Reference string       // Published reference; empty when no tag was given.
	Digest    string       // Manifest digest of the image.
	Steps     []StepResult // One entry per instruction.
	Image     v1.Image     // The built image.
}

// Outcome of a single step.
type StepResult struct {
	Index       int           // 1-based position in the manifest.
	Instruction string        // Instruction as written.
	Key         string        // Cache key.
	Cached      bool          // Whether the step was served from cache.
	Layer       string        // Layer digest; empty for metadata-only steps.
	Duration    time.Duration // Time spent on the step.
}

// Builds the image described by opts.Manifest.
//
// Instructions are executed in order. The image is published under opts.Tag
// only once every step has succeeded; on any error the previous image under
// the tag is left untouched.
func Run(ctx context.Context, deps Deps, opts Options) (*Result, error) {
	if opts.Manifest == nil || len(opts.Manifest.Instructions) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrBuild, manifest.ErrNoBase)
	}
	if deps.Store == nil || deps.Cache == nil || deps.Resolver == nil {
		return nil, fmt.Errorf("%w: store, cache and resolver are required", ErrBuild)
	}

	if opts.ID == "" {
		opts.ID = cuid2.Generate()
	}
	if opts.Scratch == "" {
		opts.Scratch = filepath.Join(os.TempDir(), "stratum-"+opts.ID)
	}
	if opts.SourceDateEpoch.IsZero() {
		opts.SourceDateEpoch = time.Unix(0, 0)
	}
	opts.SourceDateEpoch = opts.SourceDateEpoch.UTC()
	if len(opts.VerifyCommand) == 0 {
		opts.VerifyCommand = defaultVerifyCommand
	}

	slog.Info("building",
		"id", opts.ID,
		"context", opts.Context,
		"tag", opts.Tag.String(),
		"steps", len(opts.Manifest.Instructions),
	)

	start := time.Now()
	result, err := newPipeline(deps, opts).build(ctx)
	deps.Metrics.recordBuild(context.WithoutCancel(ctx), buildStatus(err), time.Since(start))
	os.RemoveAll(opts.Scratch)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func buildStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "failed"
	}
}
