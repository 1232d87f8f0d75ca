package cli

import (
	"context"
	"log/slog"

	"github.com/cruciblehq/stratum/internal/build"
	"github.com/cruciblehq/stratum/internal/paths"
	"github.com/cruciblehq/stratum/internal/server"
)

// Represents the 'stratum serve' command.
type ServeCmd struct {
	Metrics bool `help:"Print build metrics to stderr periodically and on exit."`
}

// Executes the serve command.
//
// Starts the daemon on a Unix domain socket and blocks until the context
// is cancelled (e.g. via SIGINT or SIGTERM) or a shutdown command arrives.
func (c *ServeCmd) Run(ctx context.Context) error {
	var metrics *build.Metrics
	if c.Metrics {
		m, shutdown, err := newMetrics()
		if err != nil {
			return err
		}
		defer shutdown(context.WithoutCancel(ctx))
		metrics = m
	}

	srv, err := server.New(server.Config{
		SocketPath:          RootCmd.Socket,
		ContainerdAddress:   RootCmd.Containerd,
		ContainerdNamespace: RootCmd.Namespace,
		Store:               storeRoot(""),
		CacheIndex:          paths.CacheIndex(),
		Metrics:             metrics,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("stratum is running")

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	slog.Info("shutting down")
	return srv.Stop()
}
