// Package runtime runs build steps and instances in containers backed by
// containerd.
//
// A [Runtime] connects to a containerd daemon. Images are handed over as
// [v1.Image] values: they are streamed into containerd as an archive,
// tagged by manifest digest and unpacked for the image platform. Images
// already known to containerd are not imported again.
//
// [Runtime.Start] creates a [Container] whose task idles so commands can be
// executed in it. It implements the executor used for RUN steps: each
// [Container.Exec] attaches a process to the task, and [Container.Diff]
// commits the snapshot changes as a layer. Containers must be destroyed to
// release their snapshot, task and lease.
//
// [Runtime.Run] starts an instance of a published image with resolved
// launch parameters and waits for it to exit.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "stratum")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	sess, err := rt.Start(ctx, img, "build-1")
//	if err != nil {
//	    return err
//	}
//	defer sess.Destroy(ctx)
//
//	result, err := sess.Exec(ctx, []string{"/bin/sh", "-c", "echo hello"}, nil, "/")
//	if err != nil {
//	    return err
//	}
//
//	layer, err := sess.Diff(ctx)
package runtime
