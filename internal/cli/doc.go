// Command-line interface of stratum.
//
// Global flags:
//
//	-q, --quiet       Suppress informational output.
//	-v, --verbose     Enable verbose output.
//	-d, --debug       Enable debug output.
//	    --store       Image store root.
//	-s, --socket      Daemon Unix socket path.
//	    --containerd  Containerd socket address.
//	    --namespace   Containerd namespace.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity before
// the selected command runs.
//
// Errors returned by commands map to exit statuses through [ExitCode], so
// scripts can tell a base image failure from a dependency install failure.
package cli
