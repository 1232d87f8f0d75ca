package launch

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Deployment profile selected at container start.
type Profile string

const (
	Development Profile = "development"
	Production  Profile = "production"
)

const (
	EnvHost    = "APP_HOST"    // Bind host override.
	EnvPort    = "APP_PORT"    // Bind port override.
	EnvProfile = "APP_PROFILE" // Profile override.
	EnvReload  = "APP_RELOAD"  // Reload toggle, development only.

	DefaultHost = "0.0.0.0"
	DefaultPort = 8000

	// Variables the served application reads its settings from.
	DefaultHostEnv   = "HOST"
	DefaultPortEnv   = "PORT"
	DefaultReloadEnv = "DEBUG"

	// Shell that evaluates the image command at container start.
	startShell = "/bin/sh"
)

// Parses a profile name. The empty string selects production.
func ParseProfile(s string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case "", Production:
		return Production, nil
	case Development:
		return Development, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidProfile, s)
}

// Build-time launch defaults.
type Spec struct {
	Command    []string // Argument vector without host, port or reload flags.
	Host       string   // Default bind host.
	Port       int      // Default bind port.
	HostFlag   string   // Flag that sets the bind host, e.g. "--host".
	PortFlag   string   // Flag that sets the bind port, e.g. "--port".
	ReloadFlag string   // Flag that enables reload in the served process.
	Profile    Profile  // Default profile for host launches.
	Watch      []string // Paths watched by the supervisor, relative to its root.
	HostEnv    string   // Variable the application reads its bind host from.
	PortEnv    string   // Variable the application reads its bind port from.
	ReloadEnv  string   // Variable the application reads its reload switch from.
}

// Returns the host, falling back to DefaultHost.
func (s Spec) host() string {
	if s.Host == "" {
		return DefaultHost
	}
	return s.Host
}

// Returns the port, falling back to DefaultPort.
func (s Spec) port() int {
	if s.Port == 0 {
		return DefaultPort
	}
	return s.Port
}

func (s Spec) hostEnv() string   { return orDefault(s.HostEnv, DefaultHostEnv) }
func (s Spec) portEnv() string   { return orDefault(s.PortEnv, DefaultPortEnv) }
func (s Spec) reloadEnv() string { return orDefault(s.ReloadEnv, DefaultReloadEnv) }

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Checks the spec for values that can never launch.
func (s Spec) Validate() error {
	if len(s.Command) == 0 {
		return ErrNoCommand
	}
	if err := checkPort(s.port()); err != nil {
		return err
	}
	if s.Profile != "" {
		if _, err := ParseProfile(string(s.Profile)); err != nil {
			return err
		}
	}
	return nil
}

// Production argument vector of the image.
//
// The command runs under /bin/sh so the bind address is read from APP_HOST
// and APP_PORT when the container starts. The application variables are
// exported from the same values and the host and port flags expand them.
// Reload is never included, whatever the profile.
func (s Spec) Argv() []string {
	hostRef, portRef := "${"+EnvHost+"}", "${"+EnvPort+"}"
	args := withFlag(s.Command, s.HostFlag, hostRef)
	args = withFlag(args, s.PortFlag, portRef)

	words := make([]string, len(args))
	for i, a := range args {
		if isRef(a, hostRef) || isRef(a, portRef) {
			words[i] = `"` + a + `"`
			continue
		}
		words[i] = shellescape.Quote(a)
	}

	script := fmt.Sprintf(`export %s="%s" %s="%s"; exec %s`,
		s.hostEnv(), hostRef, s.portEnv(), portRef, strings.Join(words, " "))
	return []string{startShell, "-c", script}
}

// Whether arg is ref or a "--flag=ref" word.
func isRef(arg, ref string) bool {
	return arg == ref || strings.HasSuffix(arg, "="+ref)
}

// Image configuration derived from the spec.
//
// Cmd, the environment defaults and the exposed port all come from the same
// host and port values, so the declared port cannot drift from the bound one.
// The profile default is always production; development is chosen when the
// container starts.
func (s Spec) ImageConfig() v1.Config {
	return v1.Config{
		Cmd: s.Argv(),
		Env: []string{
			EnvHost + "=" + s.host(),
			EnvPort + "=" + strconv.Itoa(s.port()),
			EnvProfile + "=" + string(Production),
		},
		ExposedPorts: map[string]struct{}{
			PortKey(s.port()): {},
		},
	}
}

// Fills unset launch defaults from a built image configuration.
//
// The command is taken from Entrypoint followed by Cmd. Host, port and
// profile are read from the image environment.
func FromImage(cfg v1.Config, s Spec) Spec {
	if len(s.Command) == 0 {
		s.Command = append(slices.Clone(cfg.Entrypoint), cfg.Cmd...)
	}
	env := EnvMap(cfg.Env)
	if s.Host == "" {
		s.Host = env[EnvHost]
	}
	if s.Port == 0 {
		if p, err := strconv.Atoi(env[EnvPort]); err == nil {
			s.Port = p
		}
	}
	if s.Profile == "" {
		if p, err := ParseProfile(env[EnvProfile]); err == nil {
			s.Profile = p
		}
	}
	return s
}

// Key used for a TCP port in image ExposedPorts.
func PortKey(port int) string {
	return strconv.Itoa(port) + "/tcp"
}

// Converts a KEY=VALUE list into a map. Later entries win.
func EnvMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

func checkPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

// Sets flag to value in args.
//
// Both "--flag value" and "--flag=value" are recognized and rewritten in
// place. When the flag is absent it is appended. Commands wrapped in a shell
// ("sh -c script") have the flag appended to the script.
func withFlag(args []string, flag, value string) []string {
	out := slices.Clone(args)
	if flag == "" {
		return out
	}
	if isShellForm(out) && scriptHasFlag(out[2], flag) {
		return out
	}
	for i, a := range out {
		if a == flag && i+1 < len(out) {
			out[i+1] = value
			return out
		}
		if strings.HasPrefix(a, flag+"=") {
			out[i] = flag + "=" + value
			return out
		}
	}
	return appendArgs(out, flag, value)
}

// Appends arguments, extending the script of a shell-wrapped command.
func appendArgs(args []string, extra ...string) []string {
	if isShellForm(args) {
		last := len(args) - 1
		args[last] = args[last] + " " + strings.Join(extra, " ")
		return args
	}
	return append(args, extra...)
}

func isShellForm(args []string) bool {
	return len(args) == 3 && strings.HasSuffix(args[0], "sh") && args[1] == "-c"
}

// Whether a shell script already passes flag. Such scripts read the value
// from the environment.
func scriptHasFlag(script, flag string) bool {
	for _, word := range strings.Fields(script) {
		if word == flag || strings.HasPrefix(word, flag+"=") || strings.HasPrefix(word, `"`+flag+"=") {
			return true
		}
	}
	return false
}
