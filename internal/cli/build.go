package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cruciblehq/stratum/internal/build"
	"github.com/cruciblehq/stratum/internal/project"
	"github.com/cruciblehq/stratum/internal/protocol"
	"github.com/cruciblehq/stratum/internal/registry"
	"github.com/dustin/go-humanize"
)

// Represents the 'stratum build' command.
type BuildCmd struct {
	Context  string `arg:"" optional:"" default:"." type:"existingdir" help:"Build context directory."`
	Tag      string `short:"t" help:"Tag to publish." placeholder:"TAG"`
	File     string `short:"f" help:"Manifest path relative to the context." placeholder:"PATH"`
	NoCache  bool   `help:"Execute every step even when cached."`
	Platform string `help:"Base image platform, e.g. linux/amd64." placeholder:"OS/ARCH"`
	Push     bool   `help:"Push the image to its registry after publishing."`
	Output   string `short:"o" type:"path" help:"Also write the image as a tarball." placeholder:"FILE"`
	Verify   bool   `help:"Verify installed dependencies after the install step."`
	Metrics  bool   `help:"Print build metrics to stderr on exit."`
	Daemon   bool   `help:"Build in the running daemon."`
}

// Executes the build command.
func (c *BuildCmd) Run(ctx context.Context) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}

	if c.Daemon {
		return c.runDaemon(ctx, cfg)
	}

	if (c.Push || c.Output != "") && cfg.Tag == "" {
		return fmt.Errorf("%w: --push and --output need a tag", project.ErrConfig)
	}

	opts, err := cfg.BuildOptions()
	if err != nil {
		return err
	}

	st, cc, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	deps, rt := buildDeps(st, cc)
	defer rt.Close()

	if c.Metrics {
		m, shutdown, err := newMetrics()
		if err != nil {
			return err
		}
		defer shutdown(context.WithoutCancel(ctx))
		deps.Metrics = m
	}

	result, err := build.Run(ctx, deps, opts)
	if err != nil {
		return err
	}
	printSteps(os.Stdout, result.Steps)
	fmt.Println(result.Digest)

	if c.Output != "" {
		if err := st.ExportTarball(opts.Tag, c.Output); err != nil {
			return err
		}
		slog.Info("image written", "path", c.Output)
	}
	if c.Push {
		remote := &registry.Remote{}
		if err := remote.Push(ctx, result.Image, opts.Tag); err != nil {
			return err
		}
	}
	return nil
}

// Loads the project and applies the command line overrides.
func (c *BuildCmd) config() (*project.Config, error) {
	cfg, err := project.Load(c.Context)
	if err != nil {
		return nil, err
	}
	if c.Tag != "" {
		cfg.Tag = c.Tag
	}
	if c.File != "" {
		cfg.Manifest = c.File
	}
	if c.Platform != "" {
		cfg.Platform = c.Platform
	}
	if c.NoCache {
		cfg.NoCache = true
	}
	if c.Verify {
		cfg.Verify = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Sends the build to the daemon.
func (c *BuildCmd) runDaemon(ctx context.Context, cfg *project.Config) error {
	if c.Push || c.Output != "" || c.File != "" || c.Platform != "" {
		return fmt.Errorf("%w: --push, --output, --file and --platform are not supported with --daemon", project.ErrConfig)
	}

	client := &protocol.Client{SocketPath: RootCmd.Socket}
	res, err := client.Build(ctx, &protocol.BuildRequest{
		Context: cfg.Dir,
		Tag:     cfg.Tag,
		NoCache: cfg.NoCache,
		Verify:  cfg.Verify,
	})
	if err != nil {
		if errors.Is(err, protocol.ErrUnavailable) {
			slog.Warn("is the daemon running? start it with 'stratum serve'")
		}
		return err
	}

	steps := make([]build.StepResult, len(res.Steps))
	for i, st := range res.Steps {
		steps[i] = build.StepResult{
			Index:       i + 1,
			Instruction: st.Instruction,
			Cached:      st.Cached,
			Layer:       st.Layer,
			Duration:    st.Duration,
		}
	}
	printSteps(os.Stdout, steps)
	fmt.Println(res.Digest)
	return nil
}

// Writes one line per step.
func printSteps(w io.Writer, steps []build.StepResult) {
	for _, st := range steps {
		status := humanize.FormatFloat("#,###.##", st.Duration.Round(10*time.Millisecond).Seconds()) + "s"
		if st.Cached {
			status = "cached"
		}
		fmt.Fprintf(w, "[%d/%d] %-8s %s\n", st.Index, len(steps), status, st.Instruction)
	}
}
