package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cruciblehq/stratum/internal/cache"
	"github.com/cruciblehq/stratum/internal/runtime"
	"github.com/cruciblehq/stratum/internal/store"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Represents the 'stratum cache' command group.
type CacheCmd struct {
	Prune CachePruneCmd `cmd:"" help:"Remove stale cache entries."`
}

// Represents the 'stratum cache prune' command.
type CachePruneCmd struct {
	All    bool `help:"Remove every entry."`
	Images bool `help:"Also remove stratum images no container uses from containerd."`
}

// Executes the prune command.
func (c *CachePruneCmd) Run(ctx context.Context) error {
	st, cc, err := openStore("")
	if err != nil {
		return err
	}

	removed := cc.Prune(keepEntry(st, c.All))
	if err := cc.Save(); err != nil {
		return err
	}
	fmt.Printf("Removed %d of %d cache entries\n", removed, removed+cc.Len())

	if !c.Images {
		return nil
	}
	rt, err := runtime.New(RootCmd.Containerd, RootCmd.Namespace)
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.Prune(ctx)
	if err != nil {
		return err
	}
	slog.Info("containerd images pruned", "count", n)
	fmt.Printf("Removed %d containerd images\n", n)
	return nil
}

// Returns the prune predicate. Layer entries are kept while their blob is
// in the store; metadata entries are always kept unless all is set.
func keepEntry(st *store.Store, all bool) func(string, cache.Entry) bool {
	return func(_ string, e cache.Entry) bool {
		if all {
			return false
		}
		if e.Layer == "" {
			return true
		}
		h, err := v1.NewHash(e.Layer)
		return err == nil && st.HasBlob(h)
	}
}
