package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cruciblehq/stratum/internal/manifest"
	"github.com/cruciblehq/stratum/internal/paths"
	"github.com/cruciblehq/stratum/internal/project"
)

// Represents the 'stratum generate' command.
type GenerateCmd struct {
	Context string `arg:"" optional:"" default:"." type:"existingdir" help:"Project directory."`
	Write   bool   `short:"w" help:"Write the manifest to the project instead of printing it."`
	Force   bool   `help:"Overwrite an existing manifest."`
}

// Executes the generate command.
func (c *GenerateCmd) Run(ctx context.Context) error {
	cfg, err := project.Load(c.Context)
	if err != nil {
		return err
	}
	opts, err := cfg.GenerateOptions()
	if err != nil {
		return err
	}
	gen, err := manifest.Generate(cfg.Dir, opts)
	if err != nil {
		return err
	}

	if !c.Write {
		fmt.Print(gen.Content)
		return nil
	}

	name := cfg.Manifest
	if name == "" {
		name = "Stratumfile"
	}
	path := filepath.Join(cfg.Dir, name)
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%w: %s exists, use --force to overwrite", project.ErrConfig, name)
	}
	if err := paths.WriteAtomic(path, []byte(gen.Content), paths.DefaultFileMode); err != nil {
		return err
	}
	slog.Info("manifest written", "path", path, "manager", gen.Manager)
	return nil
}
