package project

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cruciblehq/stratum/internal/launch"
	"github.com/cruciblehq/stratum/internal/paths"
	"github.com/cruciblehq/stratum/internal/store"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (

	// Project configuration file looked up in the build context.
	FileName = "stratum.yaml"

	// Environment file looked up in the build context.
	EnvFileName = ".env"
)

// Manifest file names tried, in order, when none is configured.
var manifestNames = []string{"Stratumfile", "Dockerfile"}

// Environment variables for build settings.
const (
	EnvStore           = "STRATUM_STORE"
	EnvTag             = "STRATUM_TAG"
	EnvInstallTimeout  = "STRATUM_INSTALL_TIMEOUT"
	EnvInstallRetries  = "STRATUM_INSTALL_RETRIES"
	EnvNoCache         = "STRATUM_NO_CACHE"
	EnvSourceDateEpoch = "SOURCE_DATE_EPOCH"
	EnvLaunchHost      = "STRATUM_LAUNCH_HOST"
	EnvLaunchPort      = "STRATUM_LAUNCH_PORT"
	EnvLaunchProfile   = "STRATUM_LAUNCH_PROFILE"
)

// Project settings.
type Config struct {
	Dir             string   `yaml:"-"`               // Build context directory.
	Manifest        string   `yaml:"manifest"`        // Manifest path relative to Dir; empty means detect or generate.
	Tag             string   `yaml:"tag"`             // Default tag to publish.
	Platform        string   `yaml:"platform"`        // Base image platform, e.g. "linux/amd64".
	AllowUnpinned   bool     `yaml:"allowUnpinned"`   // Accept base images without a version.
	SourceDateEpoch *int64   `yaml:"sourceDateEpoch"` // Unix time written into layers.
	Python          string   `yaml:"python"`          // Python version for generated manifests.
	BaseImage       string   `yaml:"baseImage"`       // Base image for generated manifests.
	Workdir         string   `yaml:"workdir"`         // Working directory for generated manifests.
	Install         Install  `yaml:"install"`         // Limits of the install step.
	Verify          bool     `yaml:"verify"`          // Verify installed dependencies.
	Launch          Launch   `yaml:"launch"`          // Launch defaults.
	Ignore          []string `yaml:"ignore"`          // Extra ignore patterns.
	Store           string   `yaml:"store"`           // Image store root.
	NoCache         bool     `yaml:"-"`               // Execute every step; set from the environment.
}

// Limits of the dependency install step.
type Install struct {
	Timeout Duration `yaml:"timeout"` // Per-attempt timeout; zero means none.
	Retries int      `yaml:"retries"` // Retries after a failed attempt.
}

// Launch defaults recorded in the image.
type Launch struct {
	Command    Command  `yaml:"command"`
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	HostFlag   string   `yaml:"hostFlag"`
	PortFlag   string   `yaml:"portFlag"`
	ReloadFlag string   `yaml:"reloadFlag"`
	Profile    string   `yaml:"profile"`
	Watch      []string `yaml:"watch"`
	HostEnv    string   `yaml:"hostEnv"`   // Variable the application reads its host from.
	PortEnv    string   `yaml:"portEnv"`   // Variable the application reads its port from.
	ReloadEnv  string   `yaml:"reloadEnv"` // Variable the application reads its reload switch from.
}

// Converts the settings into a launch spec.
func (l Launch) Spec() (launch.Spec, error) {
	var profile launch.Profile
	if l.Profile != "" {
		p, err := launch.ParseProfile(l.Profile)
		if err != nil {
			return launch.Spec{}, fmt.Errorf("%w: launch.profile: %w", ErrConfig, err)
		}
		profile = p
	}
	return launch.Spec{
		Command:    []string(l.Command),
		Host:       l.Host,
		Port:       l.Port,
		HostFlag:   l.HostFlag,
		PortFlag:   l.PortFlag,
		ReloadFlag: l.ReloadFlag,
		Profile:    profile,
		Watch:      l.Watch,
		HostEnv:    l.HostEnv,
		PortEnv:    l.PortEnv,
		ReloadEnv:  l.ReloadEnv,
	}, nil
}

// Loads the configuration of the project in dir.
//
// The .env file is loaded into the process environment first, so the
// STRATUM_* overrides it defines apply like real ones. APP_* variables are
// start-time switches and never change the build.
func Load(dir string) (*Config, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}

	if err := loadEnvFile(filepath.Join(abs, EnvFileName)); err != nil {
		return nil, err
	}

	cfg := &Config{}
	path := filepath.Join(abs, FileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("no project configuration", "path", path)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	default:
		if cfg, err = Parse(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("%w: %s", err, FileName)
		}
	}
	cfg.Dir = abs

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decodes a configuration document. Unknown keys are errors.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return cfg, nil
}

// Loads a dotenv file without overriding variables already set.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRead, EnvFileName, err)
	}
	slog.Debug("environment file loaded", "path", path)
	return nil
}

// Applies environment overrides.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvStore); ok {
		c.Store = v
	}
	if v, ok := get(EnvTag); ok {
		c.Tag = v
	}
	if v, ok := get(EnvInstallTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfig, EnvInstallTimeout, err)
		}
		c.Install.Timeout = Duration(d)
	}
	if v, ok := get(EnvInstallRetries); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfig, EnvInstallRetries, err)
		}
		c.Install.Retries = n
	}
	if v, ok := get(EnvNoCache); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfig, EnvNoCache, err)
		}
		c.NoCache = b
	}
	if v, ok := get(EnvSourceDateEpoch); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfig, EnvSourceDateEpoch, err)
		}
		c.SourceDateEpoch = &n
	}

	if v, ok := get(EnvLaunchHost); ok {
		c.Launch.Host = v
	}
	if v, ok := get(EnvLaunchPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfig, EnvLaunchPort, err)
		}
		c.Launch.Port = n
	}
	if v, ok := get(EnvLaunchProfile); ok {
		c.Launch.Profile = v
	}
	return nil
}

// Checks field values. Errors name the offending field.
func (c *Config) Validate() error {
	if c.Tag != "" {
		ref, err := store.ParseReference(c.Tag)
		if err != nil {
			return fmt.Errorf("%w: tag: %w", ErrConfig, err)
		}
		if ref.IsDigest() {
			return fmt.Errorf("%w: tag: %s is a digest reference", ErrConfig, c.Tag)
		}
	}
	if c.Platform != "" {
		if _, err := v1.ParsePlatform(c.Platform); err != nil {
			return fmt.Errorf("%w: platform: %w", ErrConfig, err)
		}
	}
	if c.SourceDateEpoch != nil && *c.SourceDateEpoch < 0 {
		return fmt.Errorf("%w: sourceDateEpoch: must not be negative", ErrConfig)
	}
	if c.Install.Timeout < 0 {
		return fmt.Errorf("%w: install.timeout: must not be negative", ErrConfig)
	}
	if c.Install.Retries < 0 {
		return fmt.Errorf("%w: install.retries: must not be negative", ErrConfig)
	}
	if c.Launch.Port != 0 && (c.Launch.Port < 1 || c.Launch.Port > 65535) {
		return fmt.Errorf("%w: launch.port: %d is out of range", ErrConfig, c.Launch.Port)
	}
	if _, err := c.Launch.Spec(); err != nil {
		return err
	}
	if c.Manifest != "" && filepath.IsAbs(c.Manifest) {
		return fmt.Errorf("%w: manifest: must be relative to the project directory", ErrConfig)
	}
	return nil
}

// Path of the manifest to build, or "" when the project has none and one
// should be generated.
func (c *Config) ManifestPath() (string, error) {
	if c.Manifest != "" {
		p := filepath.Join(c.Dir, c.Manifest)
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%w: manifest: %w", ErrConfig, err)
		}
		return p, nil
	}
	for _, name := range manifestNames {
		p := filepath.Join(c.Dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Source date epoch as a time, defaulting to the Unix epoch.
func (c *Config) Epoch() time.Time {
	if c.SourceDateEpoch == nil {
		return time.Unix(0, 0).UTC()
	}
	return time.Unix(*c.SourceDateEpoch, 0).UTC()
}

// Image store root, defaulting to the per-user data directory.
func (c *Config) StoreRoot() string {
	if c.Store != "" {
		return c.Store
	}
	return paths.Store()
}
