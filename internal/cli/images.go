package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/cruciblehq/stratum/internal/store"
	"github.com/dustin/go-humanize"
)

// Represents the 'stratum images' command.
type ImagesCmd struct {
	Names bool `help:"Only print references."`
}

// Executes the images command.
func (c *ImagesCmd) Run(ctx context.Context) error {
	st, err := store.Open(storeRoot(""))
	if err != nil {
		return err
	}
	records, err := st.List()
	if err != nil {
		return err
	}

	if c.Names {
		for _, rec := range records {
			fmt.Println(rec.Reference)
		}
		return nil
	}
	return listImages(os.Stdout, records)
}

// Writes records as a table.
func listImages(w io.Writer, records []*store.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 3, ' ', 0)
	fmt.Fprintln(tw, "REFERENCE\tDIGEST\tSIZE\tPUBLISHED")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			rec.Reference,
			shortDigest(rec.Digest),
			humanize.Bytes(uint64(rec.Size)),
			humanize.Time(rec.Published),
		)
	}
	return tw.Flush()
}

// Returns the first twelve hex characters of a digest.
func shortDigest(d string) string {
	const n = len("sha256:") + 12
	if len(d) > n {
		return d[len("sha256:"):n]
	}
	return d
}

// Represents the 'stratum rmi' command.
type RmiCmd struct {
	Tags []string `arg:"" help:"Tags to remove."`
}

// Executes the rmi command.
//
// Every tag is attempted; the first error is returned.
func (c *RmiCmd) Run(ctx context.Context) error {
	st, err := store.Open(storeRoot(""))
	if err != nil {
		return err
	}

	var first error
	for _, t := range c.Tags {
		ref, err := store.ParseReference(t)
		if err == nil {
			err = st.Untag(ref)
		}
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		fmt.Println("Untagged:", ref.String())
	}
	return first
}
