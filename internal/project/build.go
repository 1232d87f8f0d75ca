package project

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/cruciblehq/stratum/internal/build"
	"github.com/cruciblehq/stratum/internal/launch"
	"github.com/cruciblehq/stratum/internal/manifest"
	"github.com/cruciblehq/stratum/internal/store"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Returns the options for generating a manifest from the project settings.
func (c *Config) GenerateOptions() (manifest.GenerateOptions, error) {
	spec, err := c.Launch.Spec()
	if err != nil {
		return manifest.GenerateOptions{}, err
	}
	return manifest.GenerateOptions{
		PythonVersion: c.Python,
		BaseImage:     c.BaseImage,
		Workdir:       c.Workdir,
		Launch:        spec,
	}, nil
}

// Returns the manifest to build.
//
// The configured or detected manifest file is parsed when there is one.
// Otherwise a manifest is generated from the project sources, and the
// second result reports that.
func (c *Config) LoadManifest() (*manifest.Manifest, bool, error) {
	path, err := c.ManifestPath()
	if err != nil {
		return nil, false, err
	}
	if path != "" {
		m, err := manifest.ParseFile(path)
		if err != nil {
			return nil, false, err
		}
		slog.Debug("manifest loaded", "path", path)
		return m, false, nil
	}

	opts, err := c.GenerateOptions()
	if err != nil {
		return nil, false, err
	}
	gen, err := manifest.Generate(c.Dir, opts)
	if err != nil {
		return nil, false, err
	}
	m, err := manifest.Parse(strings.NewReader(gen.Content))
	if err != nil {
		return nil, false, err
	}
	slog.Info("manifest generated", "manager", gen.Manager, "dependencies", gen.Dependencies)
	return m, true, nil
}

// Returns build options for the project.
//
// The port contract is enforced for generated manifests and whenever a
// launch port is configured.
func (c *Config) BuildOptions() (build.Options, error) {
	m, generated, err := c.LoadManifest()
	if err != nil {
		return build.Options{}, err
	}

	opts := build.Options{
		Manifest:        m,
		Context:         c.Dir,
		NoCache:         c.NoCache,
		AllowUnpinned:   c.AllowUnpinned,
		SourceDateEpoch: c.Epoch(),
		InstallTimeout:  c.Install.Timeout.Std(),
		InstallRetries:  c.Install.Retries,
		Verify:          c.Verify,
		Ignore:          c.Ignore,
	}

	if c.Tag != "" {
		ref, err := store.ParseReference(c.Tag)
		if err != nil {
			return build.Options{}, fmt.Errorf("%w: tag: %w", ErrConfig, err)
		}
		opts.Tag = ref
	}

	if c.Platform != "" {
		p, err := v1.ParsePlatform(c.Platform)
		if err != nil {
			return build.Options{}, fmt.Errorf("%w: platform: %w", ErrConfig, err)
		}
		opts.Platform = p
	}

	if generated || c.Launch.Port != 0 {
		spec, err := c.Launch.Spec()
		if err != nil {
			return build.Options{}, err
		}
		opts.Launch = &spec
	}
	return opts, nil
}

// Returns the launch spec for running the project on the host.
//
// Settings missing from the configuration are filled from the image
// published under the configured tag, when there is one in st.
func (c *Config) HostLaunch(st *store.Store) (launch.Spec, error) {
	spec, err := c.Launch.Spec()
	if err != nil {
		return launch.Spec{}, err
	}
	if len(spec.Command) > 0 || c.Tag == "" || st == nil {
		return spec, nil
	}

	ref, err := store.ParseReference(c.Tag)
	if err != nil {
		return launch.Spec{}, fmt.Errorf("%w: tag: %w", ErrConfig, err)
	}
	img, _, err := st.Lookup(ref)
	if err != nil {
		return spec, nil
	}
	cf, err := img.ConfigFile()
	if err != nil {
		return launch.Spec{}, fmt.Errorf("%w: %s: %w", ErrRead, ref, err)
	}
	return launch.FromImage(cf.Config, spec), nil
}
