// Resolves and supervises the launch command of a built image.
//
// A launch Spec holds the defaults recorded at build time: the argument vector,
// bind host, bind port and the flags the served process accepts for them.
// Resolve combines a Spec with the environment present at start time so host,
// port, profile and reload behavior can change without rebuilding the image:
//
//	APP_HOST     Bind host (default 0.0.0.0).
//	APP_PORT     Bind port (default 8000).
//	APP_PROFILE  "development" or "production" (default production).
//	APP_RELOAD   Reload on source change; honored in development only.
//
// The reload flag is never part of the recorded image command. It is appended
// by Resolve for development profiles only, so toggling it cannot alter the
// build. When the served process has no reload flag of its own, a Supervisor
// watches the source tree and restarts the child instead.
//
// Launch failures (port in use, missing command, child exit) belong to a
// separate domain from build failures and are reported wrapped in ErrLaunch.
package launch
