// Package build turns a manifest into a layered OCI image.
//
// Instructions run strictly in order. Every step has a cache key derived
// from the key of the step before it, the canonical instruction and the
// hashes of the step's own inputs (copied files, resolved environment,
// working directory). When the cache holds a layer for the key, the step is
// skipped and the stored layer reused. Because keys chain, changing one
// step invalidates it and every step after it, while edits that only touch
// inputs of later steps leave earlier layers cached. A manifest that copies
// the dependency files and installs them before copying the rest of the
// source therefore keeps the install layer across source edits.
//
// RUN steps execute in a session started by an Executor from the image
// built so far. The filesystem changes of the session become the step's
// layer. Layers are normalized (sorted entries, fixed timestamps, no user
// names) so identical inputs yield identical digests.
//
// The finished image is published under its tag only after every step has
// succeeded. A failure or cancellation at any step leaves the previously
// published image in place.
//
// Example usage:
//
//	result, err := build.Run(ctx, build.Deps{
//	    Store:    st,
//	    Cache:    c,
//	    Resolver: resolver,
//	    Executor: rt,
//	}, build.Options{
//	    Manifest: m,
//	    Context:  ".",
//	    Tag:      store.MustParseReference("example.com/app:v1"),
//	})
//	if err != nil {
//	    return err
//	}
package build
