package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cruciblehq/stratum/internal/cache"
	"github.com/cruciblehq/stratum/internal/manifest"
	"github.com/cruciblehq/stratum/internal/store"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Result of a step handler.
type stepOutcome struct {
	key    string
	cached bool
	layer  string
}

// Executes a single instruction and records its result.
func (p *pipeline) runStep(ctx context.Context, index int, inst manifest.Instruction) error {
	start := time.Now()

	var (
		out stepOutcome
		err error
	)
	switch inst.Op {
	case manifest.From:
		out, err = p.from(ctx, inst)
	case manifest.Workdir:
		out, err = p.workdir(ctx, inst)
	case manifest.Copy:
		out, err = p.copy(ctx, inst)
	case manifest.Run:
		out, err = p.run(ctx, index, inst)
	case manifest.Env, manifest.Expose, manifest.Cmd, manifest.Entrypoint, manifest.Label:
		out, err = p.metadata(ctx, inst)
	default:
		err = fmt.Errorf("%w: %s", manifest.ErrUnsupported, inst.Op)
	}
	if err != nil {
		return err
	}

	duration := time.Since(start)
	p.key = out.key
	p.steps = append(p.steps, StepResult{
		Index:       index + 1,
		Instruction: inst.String(),
		Key:         out.key,
		Cached:      out.cached,
		Layer:       out.layer,
		Duration:    duration,
	})
	p.deps.Metrics.recordStep(ctx, string(inst.Op), out.cached, duration)

	slog.Info(fmt.Sprintf("step %d/%d", index+1, len(p.opts.Manifest.Instructions)),
		"instruction", inst.String(),
		"cached", out.cached,
		"duration", duration.Round(time.Millisecond),
	)
	slog.Debug("step key", "step", index+1, "key", out.key)
	return nil
}

// Resolves the base image and seeds the step state from its configuration.
func (p *pipeline) from(ctx context.Context, inst manifest.Instruction) (stepOutcome, error) {
	ref, err := store.ParseReference(inst.Args[0])
	if err != nil {
		return stepOutcome{}, fmt.Errorf("%w: %w", ErrBaseImage, err)
	}
	if !ref.Pinned() && !p.opts.AllowUnpinned {
		return stepOutcome{}, fmt.Errorf("%w: %w: %s", ErrBaseImage, ErrUnpinned, ref)
	}

	platform := p.opts.Platform
	if v, ok := inst.Flag("platform"); ok {
		if platform, err = v1.ParsePlatform(v); err != nil {
			return stepOutcome{}, fmt.Errorf("%w: %w", ErrInvalidInstruction, err)
		}
	}

	img, err := p.deps.Resolver.Resolve(ctx, ref, platform)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("%w: %w", ErrBaseImage, err)
	}
	digest, err := img.Digest()
	if err != nil {
		return stepOutcome{}, fmt.Errorf("%w: %w", ErrBaseImage, err)
	}
	cf, err := img.ConfigFile()
	if err != nil {
		return stepOutcome{}, fmt.Errorf("%w: %w", ErrBaseImage, err)
	}

	p.img = img
	p.state = newStepState(cf.Config)
	p.mediaType = layerMediaType(img)

	slog.Debug("base image", "ref", ref.String(), "digest", digest.String(), "media-type", p.mediaType)

	// Layers carry the epoch in their mtimes and history, and the media type
	// in their descriptors, so both are part of every derived key.
	key, err := cacheKey(
		string(manifest.From),
		digest.String(),
		strconv.FormatInt(p.epoch().Unix(), 10),
		string(p.mediaType),
	)
	return stepOutcome{key: key}, err
}

// Changes the working directory, creating it in a layer when it is not the root.
func (p *pipeline) workdir(ctx context.Context, inst manifest.Instruction) (stepOutcome, error) {
	p.state.setWorkdir(p.state.expand(inst.Args[0]))
	dir := p.state.workdir

	key, err := cacheKey(p.key, inst.Canonical(), dir)
	if err != nil {
		return stepOutcome{}, err
	}

	out := stepOutcome{key: key}
	if entries := parentDirs(dir); len(entries) > 0 {
		out, err = p.layerStep(ctx, key, inst, p.tarLayer(func(w io.Writer) error {
			return writeLayerTar(w, entries, p.epoch())
		}))
		if err != nil {
			return out, err
		}
	}

	return out, p.mutateConfig(func(c *v1.Config) error {
		c.WorkingDir = dir
		return nil
	}, nil)
}

// Copies files from the build context into a new layer.
//
// A copy that includes a dependency manifest marks the next installer RUN as
// the dependency install step. Copies without one leave the mark alone.
func (p *pipeline) copy(ctx context.Context, inst manifest.Instruction) (stepOutcome, error) {
	plan, err := planCopy(inst, p.state, p.opts.Context, p.ignore)
	if err != nil {
		return stepOutcome{}, err
	}
	inputs, err := plan.inputs()
	if err != nil {
		return stepOutcome{}, err
	}

	key, err := cacheKey(append([]string{p.key, inst.Canonical()}, inputs...)...)
	if err != nil {
		return stepOutcome{}, err
	}

	out, err := p.layerStep(ctx, key, inst, p.tarLayer(func(w io.Writer) error {
		if err := writeLayerTar(w, plan.entries, p.epoch()); err != nil {
			return fmt.Errorf("%w: %w", ErrCopy, err)
		}
		return nil
	}))
	if err != nil {
		return out, err
	}

	if len(plan.dependencies) > 0 {
		p.pending = plan.dependencies
	}
	return out, nil
}

// Runs a command in a session on top of the current image and captures the
// filesystem changes as a layer.
func (p *pipeline) run(ctx context.Context, index int, inst manifest.Instruction) (stepOutcome, error) {
	argv := p.state.command(inst)
	env := p.state.environ()
	workdir := p.state.workdir

	var deps []string
	if len(p.pending) > 0 && isInstallCommand(argv, p.pending) {
		deps = p.pending
		p.pending = nil
	}

	inputs := append([]string{p.key, inst.Canonical(), strings.Join(argv, "\x00"), workdir}, env...)
	key, err := cacheKey(inputs...)
	if err != nil {
		return stepOutcome{}, err
	}

	out, err := p.layerStep(ctx, key, inst, func() (v1.Layer, func(), error) {
		return p.execute(ctx, index, argv, env, workdir, deps)
	})
	if err != nil && len(deps) > 0 {
		return out, fmt.Errorf("%w: %w", ErrInstall, err)
	}
	return out, err
}

// Package installers whose invocation marks the dependency install step.
var installers = []string{"pip", "pip3", "poetry", "pipenv", "uv", "pdm"}

// Whether a RUN command installs dependencies: it invokes a package
// installer or names one of the copied dependency manifests.
func isInstallCommand(argv, manifests []string) bool {
	names := make([]string, len(manifests))
	for i, m := range manifests {
		names[i] = filepath.Base(m)
	}

	words := strings.FieldsFunc(strings.Join(argv, " "), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ';' || r == '&' || r == '|' || r == '(' || r == ')'
	})
	for _, w := range words {
		if slices.Contains(installers, path.Base(w)) {
			return true
		}
		if slices.Contains(names, path.Base(w)) {
			return true
		}
	}
	return false
}

// Executes argv in a fresh session and returns its normalized diff.
//
// Install steps get the install timeout and retries and, when enabled,
// dependency verification before the diff is taken.
func (p *pipeline) execute(ctx context.Context, index int, argv, env []string, workdir string, deps []string) (v1.Layer, func(), error) {
	if p.deps.Executor == nil {
		return nil, nil, fmt.Errorf("%w: no executor available for RUN", ErrExecutor)
	}

	id := fmt.Sprintf("stratum-%s-%d", p.opts.ID, index+1)
	sess, err := p.deps.Executor.Start(ctx, p.img, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrExecutor, err)
	}
	defer sess.Destroy(context.WithoutCancel(ctx))

	install := len(deps) > 0
	policy := retryPolicy{}
	if install {
		policy = retryPolicy{timeout: p.opts.InstallTimeout, retries: p.opts.InstallRetries}
		slog.Debug("install step", "manifests", len(deps), "timeout", policy.timeout, "retries", policy.retries)
	}

	if err := runCommand(ctx, sess, argv, env, workdir, policy, p.newBackOff); err != nil {
		return nil, nil, err
	}
	if install && p.opts.Verify {
		if err := verifyDependencies(ctx, sess, deps, p.opts.VerifyCommand, env, workdir); err != nil {
			return nil, nil, err
		}
	}

	diff, err := sess.Diff(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrExecutor, err)
	}

	l, name, err := scratchLayer(p.opts.Scratch, p.mediaType, func(w io.Writer) error {
		rc, err := diff.Uncompressed()
		if err != nil {
			return err
		}
		defer rc.Close()
		return normalizeTar(rc, w, p.epoch())
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	return l, func() { os.Remove(name) }, nil
}

// Applies a configuration-only instruction.
func (p *pipeline) metadata(ctx context.Context, inst manifest.Instruction) (stepOutcome, error) {
	key, err := cacheKey(p.key, inst.Canonical())
	if err != nil {
		return stepOutcome{}, err
	}
	cached := p.cachedMetadata(ctx, key)

	var apply func(*v1.Config) error
	switch inst.Op {
	case manifest.Env:
		apply = p.applyEnv(inst)
	case manifest.Expose:
		apply = p.applyExpose(inst)
	case manifest.Cmd:
		apply = p.applyCmd(inst)
	case manifest.Entrypoint:
		apply = p.applyEntrypoint(inst)
	case manifest.Label:
		apply = p.applyLabel(inst)
	}

	history := &v1.History{
		Created:    v1.Time{Time: p.epoch()},
		CreatedBy:  createdBy(inst),
		EmptyLayer: true,
	}
	if err := p.mutateConfig(apply, history); err != nil {
		return stepOutcome{}, err
	}

	if !cached {
		p.deps.Cache.Put(key, cache.Entry{CreatedBy: history.CreatedBy})
	}
	return stepOutcome{key: key, cached: cached}, nil
}

// Values are expanded against the environment before the instruction, so
// "ENV A=1 B=$A" sees the previous A.
func (p *pipeline) applyEnv(inst manifest.Instruction) func(*v1.Config) error {
	return func(c *v1.Config) error {
		values := make([]string, len(inst.Pairs))
		for i, kv := range inst.Pairs {
			values[i] = p.state.expand(kv.Value)
		}
		for i, kv := range inst.Pairs {
			p.state.setEnv(kv.Key, values[i])
		}
		c.Env = p.state.environ()
		return nil
	}
}

func (p *pipeline) applyExpose(inst manifest.Instruction) func(*v1.Config) error {
	return func(c *v1.Config) error {
		if c.ExposedPorts == nil {
			c.ExposedPorts = make(map[string]struct{})
		}
		for _, arg := range inst.Args {
			port, err := parseExposed(p.state.expand(arg))
			if err != nil {
				return err
			}
			c.ExposedPorts[port] = struct{}{}
		}
		return nil
	}
}

func (p *pipeline) applyCmd(inst manifest.Instruction) func(*v1.Config) error {
	return func(c *v1.Config) error {
		c.Cmd = p.state.command(inst)
		p.cmdSet = true
		return nil
	}
}

// An inherited Cmd is dropped unless the manifest set its own before.
func (p *pipeline) applyEntrypoint(inst manifest.Instruction) func(*v1.Config) error {
	return func(c *v1.Config) error {
		c.Entrypoint = p.state.command(inst)
		if !p.cmdSet {
			c.Cmd = nil
		}
		return nil
	}
}

func (p *pipeline) applyLabel(inst manifest.Instruction) func(*v1.Config) error {
	return func(c *v1.Config) error {
		if c.Labels == nil {
			c.Labels = make(map[string]string)
		}
		for _, kv := range inst.Pairs {
			c.Labels[p.state.expand(kv.Key)] = p.state.expand(kv.Value)
		}
		return nil
	}
}

// Parses "port[/proto]" into an ExposedPorts key.
func parseExposed(s string) (string, error) {
	port, proto, _ := strings.Cut(s, "/")
	proto = strings.ToLower(proto)
	if proto == "" {
		proto = "tcp"
	}
	switch proto {
	case "tcp", "udp", "sctp":
	default:
		return "", fmt.Errorf("%w: EXPOSE %q: unknown protocol", ErrInvalidInstruction, s)
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("%w: EXPOSE %q: invalid port", ErrInvalidInstruction, s)
	}
	return strconv.Itoa(n) + "/" + proto, nil
}

// History text of an instruction, independent of source formatting.
func createdBy(inst manifest.Instruction) string {
	var b strings.Builder
	b.WriteString(string(inst.Op))
	for _, f := range inst.Flags {
		b.WriteString(" " + f)
	}
	for _, kv := range inst.Pairs {
		b.WriteString(" " + kv.Key + "=" + kv.Value)
	}
	if inst.JSON {
		fmt.Fprintf(&b, " %q", inst.Args)
	} else if len(inst.Args) > 0 {
		b.WriteString(" " + strings.Join(inst.Args, " "))
	}
	return b.String()
}
