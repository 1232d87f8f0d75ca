// Package server implements the stratum daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the stratum CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the
// server dispatches the command, and writes the result back before
// closing the connection. Closing the connection early cancels the
// request.
//
// Supported commands are build, status, images and shutdown. Builds are
// delegated to the build package with the containerd runtime as executor,
// and run one at a time since the image store has a single writer.
//
// Example usage:
//
//	srv, err := server.New(server.Config{
//	    ContainerdAddress:   "/run/containerd/containerd.sock",
//	    ContainerdNamespace: "stratum",
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
