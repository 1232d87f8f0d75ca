package launch

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Launch parameters resolved at start time.
type Resolved struct {
	Args    []string // Argument vector to execute.
	Env     []string // Environment entries to add to the process.
	Host    string   // Bind host.
	Port    int      // Bind port.
	Profile Profile  // Effective profile.
	Reload  bool     // Whether reload-on-change is active.

	// Set when reload is active but the served process has no reload flag,
	// so a Supervisor must restart it on change.
	Supervise bool

	Watch []string // Paths to watch when supervising.

	reloadVars []string // Variables carrying the reload switch.
}

// Bind address in host:port form.
func (r *Resolved) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Resolves a spec against the environment present at start time.
//
// Values in env override the spec defaults. The resolved values are exported
// under the APP_* names and under the names the application reads. Reload is on by default in the
// development profile and can be turned off with APP_RELOAD=false. It is
// always off in production; a reload request there is logged and ignored.
func Resolve(spec Spec, env map[string]string) (*Resolved, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, ErrNoCommand)
	}

	host := spec.host()
	if v := strings.TrimSpace(env[EnvHost]); v != "" {
		host = v
	}

	port := spec.port()
	if v := strings.TrimSpace(env[EnvPort]); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %s=%q", ErrLaunch, ErrInvalidPort, EnvPort, v)
		}
		port = p
	}
	if err := checkPort(port); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	profile := spec.Profile
	if v, ok := env[EnvProfile]; ok {
		p, err := ParseProfile(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
		}
		profile = p
	}
	if profile == "" {
		profile = Production
	}

	reload, err := resolveReload(profile, env)
	if err != nil {
		return nil, err
	}

	args := withFlag(spec.Command, spec.HostFlag, host)
	args = withFlag(args, spec.PortFlag, strconv.Itoa(port))
	if reload && spec.ReloadFlag != "" {
		args = appendArgs(args, spec.ReloadFlag)
	}

	return &Resolved{
		Args:    args,
		Host:    host,
		Port:    port,
		Profile: profile,
		Reload:  reload,
		Env: lo.Uniq([]string{
			EnvHost + "=" + host,
			EnvPort + "=" + strconv.Itoa(port),
			EnvProfile + "=" + string(profile),
			EnvReload + "=" + strconv.FormatBool(reload),
			spec.hostEnv() + "=" + host,
			spec.portEnv() + "=" + strconv.Itoa(port),
			spec.reloadEnv() + "=" + strconv.FormatBool(reload),
		}),
		Supervise:  reload && spec.ReloadFlag == "",
		Watch:      spec.Watch,
		reloadVars: []string{EnvReload, spec.reloadEnv()},
	}, nil
}

// Turns off reload that only a [Supervisor] could perform.
//
// Launchers that cannot restart the process call this so that neither the
// log nor the process environment reports a reload nobody carries out.
func (r *Resolved) DisableSupervision() {
	if !r.Supervise {
		return
	}
	slog.Warn("reload disabled, the launch command has no reload flag", "profile", r.Profile)

	r.Reload = false
	r.Supervise = false
	for i, kv := range r.Env {
		k, _, _ := strings.Cut(kv, "=")
		if slices.Contains(r.reloadVars, k) {
			r.Env[i] = k + "=false"
		}
	}
}

func resolveReload(profile Profile, env map[string]string) (bool, error) {
	v, set := env[EnvReload]
	if !set || strings.TrimSpace(v) == "" {
		return profile == Development, nil
	}

	on, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%w: invalid %s=%q", ErrLaunch, EnvReload, v)
	}

	if profile != Development {
		if on {
			slog.Warn("reload ignored outside development", "profile", profile)
		}
		return false, nil
	}
	return on, nil
}

// Returns the current process environment as a map.
func Environ() map[string]string {
	return EnvMap(os.Environ())
}
