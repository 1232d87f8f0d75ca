package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cruciblehq/stratum/internal"
)

// Represents the 'stratum version' command.
type VersionCmd struct {
	JSON bool `help:"Print build metadata as JSON."`
}

// Executes the version command.
func (c *VersionCmd) Run(ctx context.Context) error {
	if !c.JSON {
		fmt.Println(internal.VersionString())
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(internal.BuildInfo())
}
