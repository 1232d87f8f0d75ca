package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/cruciblehq/stratum/internal"
	"github.com/cruciblehq/stratum/internal/build"
	"github.com/cruciblehq/stratum/internal/launch"
	"github.com/cruciblehq/stratum/internal/project"
	"github.com/cruciblehq/stratum/internal/registry"
	"github.com/cruciblehq/stratum/internal/server"
	"github.com/cruciblehq/stratum/internal/store"
)

// Exit statuses by failure class.
const (
	ExitFailure   = 1
	ExitConfig    = 2
	ExitBaseImage = 3
	ExitInstall   = 4
	ExitCopy      = 5
	ExitPublish   = 6
	ExitLaunch    = 7
	ExitPortInUse = 8
)

// Represents the root command.
var RootCmd struct {
	Quiet      bool   `short:"q" help:"Suppress informational output."`
	Verbose    bool   `short:"v" help:"Enable verbose output."`
	Debug      bool   `short:"d" help:"Enable debug output."`
	Store      string `help:"Image store root." placeholder:"DIR" env:"STRATUM_STORE"`
	Socket     string `short:"s" help:"Override the default Unix socket path." placeholder:"PATH"`
	Containerd string `help:"Containerd socket address." default:"${containerd}" placeholder:"PATH" env:"CONTAINERD_ADDRESS"`
	Namespace  string `help:"Containerd namespace." default:"${namespace}"`

	Build    BuildCmd    `cmd:"" help:"Build and publish an image."`
	Inspect  InspectCmd  `cmd:"" help:"Show details of a published image."`
	Generate GenerateCmd `cmd:"" help:"Generate a manifest for a Python project."`
	Launch   LaunchCmd   `cmd:"" help:"Run the launch command on the host."`
	Run      RunCmd      `cmd:"" help:"Start an instance of an image in containerd."`
	Images   ImagesCmd   `cmd:"" help:"List published images."`
	Rmi      RmiCmd      `cmd:"" help:"Remove image tags."`
	Cache    CacheCmd    `cmd:"" help:"Manage the layer cache."`
	Serve    ServeCmd    `cmd:"" help:"Run the build daemon."`
	Status   StatusCmd   `cmd:"" help:"Show daemon status."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Reproducible container images for Python services.\n\nBuilds layered images from a manifest, caches every step, and publishes them atomically."),
		kong.UsageOnError(),
		kong.Vars{
			"version":    internal.VersionString(),
			"containerd": server.DefaultContainerdAddress,
			"namespace":  server.DefaultContainerdNamespace,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
//
// Flags only raise what the linker flags already enabled. Debug wins over
// quiet; verbose adds source locations.
func configureLogger() {
	internal.SetDebug(RootCmd.Debug || internal.IsDebug())
	internal.SetQuiet(RootCmd.Quiet || internal.IsQuiet())
	internal.SetVerbose(RootCmd.Verbose || internal.IsVerbose())

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     internal.LogLevel(),
		AddSource: internal.IsVerbose(),
	})
	slog.SetDefault(slog.New(handler).WithGroup(internal.Name))
}

// Returns the exit status for an error returned by [Execute].
//
// A launched process that exits non-zero passes its own status through.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exit *launch.ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}

	switch {
	case errors.Is(err, project.ErrConfig):
		return ExitConfig
	case errors.Is(err, build.ErrBaseImage), errors.Is(err, registry.ErrFetch):
		return ExitBaseImage
	case errors.Is(err, build.ErrInstall):
		return ExitInstall
	case errors.Is(err, build.ErrCopy):
		return ExitCopy
	case errors.Is(err, store.ErrPublish), errors.Is(err, registry.ErrPush):
		return ExitPublish
	case errors.Is(err, launch.ErrPortInUse):
		return ExitPortInUse
	case errors.Is(err, launch.ErrLaunch):
		return ExitLaunch
	}
	return ExitFailure
}
