package cli

import (
	"context"
	"log/slog"
	"os"

	"al.essio.dev/pkg/shellescape"
	"github.com/cruciblehq/stratum/internal/launch"
	"github.com/cruciblehq/stratum/internal/project"
	"github.com/cruciblehq/stratum/internal/store"
)

// Represents the 'stratum launch' command.
type LaunchCmd struct {
	Dir     string   `short:"C" default:"." type:"existingdir" help:"Project directory."`
	Profile string   `short:"p" help:"Profile: production or development. Overrides APP_PROFILE." placeholder:"NAME"`
	Args    []string `arg:"" optional:"" passthrough:"" help:"Extra arguments for the launched command."`
}

// Executes the launch command.
//
// The command comes from the project configuration, or from the image
// published under the configured tag. Host, port and profile are resolved
// from the environment as they would be in a container.
func (c *LaunchCmd) Run(ctx context.Context) error {
	cfg, err := project.Load(c.Dir)
	if err != nil {
		return err
	}

	var st *store.Store
	if cfg.Tag != "" {
		if st, err = store.Open(storeRoot(cfg.Store)); err != nil {
			slog.Debug("store unavailable", "error", err)
		}
	}

	spec, err := cfg.HostLaunch(st)
	if err != nil {
		return err
	}
	spec.Command = append(spec.Command, c.Args...)

	env := launch.Environ()
	if c.Profile != "" {
		env[launch.EnvProfile] = c.Profile
	}

	r, err := launch.Resolve(spec, env)
	if err != nil {
		return err
	}

	slog.Info("launching",
		"command", shellescape.QuoteCommand(r.Args),
		"addr", r.Addr(),
		"profile", r.Profile,
		"reload", r.Reload,
	)

	sup := &launch.Supervisor{
		Resolved: r,
		Dir:      cfg.Dir,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
	return sup.Run(ctx)
}
