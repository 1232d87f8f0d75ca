package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"al.essio.dev/pkg/shellescape"
	"github.com/cruciblehq/stratum/internal/store"
	"github.com/dustin/go-humanize"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/samber/lo"
)

// Represents the 'stratum inspect' command.
type InspectCmd struct {
	Tag string `arg:"" help:"Published tag or digest reference."`
}

// Executes the inspect command.
func (c *InspectCmd) Run(ctx context.Context) error {
	ref, err := store.ParseReference(c.Tag)
	if err != nil {
		return err
	}
	st, err := store.Open(storeRoot(""))
	if err != nil {
		return err
	}
	img, rec, err := st.Lookup(ref)
	if err != nil {
		return err
	}
	return describe(os.Stdout, img, rec)
}

// Writes a human-readable description of a published image.
func describe(w io.Writer, img v1.Image, rec *store.Record) error {
	cf, err := img.ConfigFile()
	if err != nil {
		return err
	}
	m, err := img.Manifest()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Reference:\t%s\n", rec.Reference)
	fmt.Fprintf(tw, "Digest:\t%s\n", rec.Digest)
	if !rec.Published.IsZero() {
		fmt.Fprintf(tw, "Published:\t%s\n", humanize.Time(rec.Published))
	}
	fmt.Fprintf(tw, "Platform:\t%s/%s\n", cf.OS, cf.Architecture)
	fmt.Fprintf(tw, "Size:\t%s\n", humanize.Bytes(uint64(lo.SumBy(m.Layers, func(d v1.Descriptor) int64 { return d.Size }))))
	fmt.Fprintf(tw, "Created:\t%s\n", cf.Created.UTC().Format("2006-01-02T15:04:05Z"))
	if cf.Config.WorkingDir != "" {
		fmt.Fprintf(tw, "Workdir:\t%s\n", cf.Config.WorkingDir)
	}

	ports := lo.Keys(cf.Config.ExposedPorts)
	slices.Sort(ports)
	fmt.Fprintf(tw, "Ports:\t%s\n", strings.Join(ports, ", "))

	command := append(slices.Clone(cf.Config.Entrypoint), cf.Config.Cmd...)
	fmt.Fprintf(tw, "Command:\t%s\n", shellescape.QuoteCommand(command))
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(cf.Config.Env) > 0 {
		fmt.Fprintln(w, "\nEnvironment:")
		for _, kv := range cf.Config.Env {
			fmt.Fprintf(w, "  %s\n", kv)
		}
	}

	fmt.Fprintln(w, "\nLayers:")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, l := range m.Layers {
		fmt.Fprintf(tw, "  %s\t%s\n", l.Digest, humanize.Bytes(uint64(l.Size)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nHistory:")
	for _, h := range cf.History {
		marker := " "
		if h.EmptyLayer {
			marker = "-"
		}
		fmt.Fprintf(w, "  %s %s\n", marker, h.CreatedBy)
	}
	return nil
}
