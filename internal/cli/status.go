package cli

import (
	"context"
	"fmt"

	"github.com/cruciblehq/stratum/internal/protocol"
)

// Represents the 'stratum status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	client := &protocol.Client{SocketPath: RootCmd.Socket}
	res, err := client.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("version: %s\npid:     %d\nuptime:  %s\nbuilds:  %d\n", res.Version, res.Pid, res.Uptime, res.Builds)
	if res.Active != "" {
		fmt.Printf("active:  %s\n", res.Active)
	}
	return nil
}
