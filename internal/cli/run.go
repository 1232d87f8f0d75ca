package cli

import (
	"context"
	"os"
	"strings"

	"github.com/cruciblehq/stratum/internal/launch"
	"github.com/cruciblehq/stratum/internal/project"
	"github.com/cruciblehq/stratum/internal/runtime"
	"github.com/cruciblehq/stratum/internal/store"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/nrednav/cuid2"
)

// Represents the 'stratum run' command.
type RunCmd struct {
	Tag     string   `arg:"" help:"Published tag or digest reference."`
	Name    string   `help:"Container ID; generated when empty." placeholder:"ID"`
	Profile string   `short:"p" help:"Profile: production or development." placeholder:"NAME"`
	Env     []string `short:"e" help:"Launch environment overrides, e.g. APP_PORT=9000." placeholder:"KEY=VALUE"`
	Dir     string   `short:"C" default:"." type:"existingdir" help:"Project directory supplying launch flags."`
}

// Executes the run command.
//
// The launch command and defaults come from the image. Flag names for host,
// port and reload come from the project configuration, when there is one.
// A non-zero exit of the instance becomes the exit status of stratum.
func (c *RunCmd) Run(ctx context.Context) error {
	img, r, err := c.resolve()
	if err != nil {
		return err
	}

	rt, err := runtime.New(RootCmd.Containerd, RootCmd.Namespace)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := c.Name
	if id == "" {
		id = "stratum-run-" + cuid2.Generate()
	}

	code, err := rt.Run(ctx, img, id, r, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	if code != 0 && ctx.Err() == nil {
		return &launch.ExitError{Code: code}
	}
	return nil
}

// Looks up the image in the project's store and resolves its launch.
func (c *RunCmd) resolve() (v1.Image, *launch.Resolved, error) {
	ref, err := store.ParseReference(c.Tag)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := project.Load(c.Dir)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(storeRoot(cfg.Store))
	if err != nil {
		return nil, nil, err
	}
	img, _, err := st.Lookup(ref)
	if err != nil {
		return nil, nil, err
	}
	cf, err := img.ConfigFile()
	if err != nil {
		return nil, nil, err
	}

	spec, err := cfg.Launch.Spec()
	if err != nil {
		return nil, nil, err
	}
	spec.Command = nil
	spec = launch.FromImage(cf.Config, spec)

	r, err := launch.Resolve(spec, c.environ())
	if err != nil {
		return nil, nil, err
	}
	// Nothing watches files inside the instance.
	r.DisableSupervision()
	return img, r, nil
}

// Launch environment: the APP_* variables of the host, then --env, then
// --profile.
func (c *RunCmd) environ() map[string]string {
	env := map[string]string{}
	for k, v := range launch.Environ() {
		if strings.HasPrefix(k, "APP_") {
			env[k] = v
		}
	}
	for _, kv := range c.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	if c.Profile != "" {
		env[launch.EnvProfile] = c.Profile
	}
	return env
}
