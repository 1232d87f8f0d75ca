package launch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func uvicornSpec() Spec {
	return Spec{
		Command:    []string{"uvicorn", "app.main:app"},
		Host:       "0.0.0.0",
		Port:       8000,
		HostFlag:   "--host",
		PortFlag:   "--port",
		ReloadFlag: "--reload",
	}
}

func TestResolveDefaults(t *testing.T) {
	r, err := Resolve(uvicornSpec(), nil)
	require.NoError(t, err)

	require.Equal(t, []string{"uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", "8000"}, r.Args)
	require.Equal(t, "0.0.0.0:8000", r.Addr())
	require.Equal(t, Production, r.Profile)
	require.False(t, r.Reload)
	require.False(t, r.Supervise)
	require.Contains(t, r.Env, "APP_RELOAD=false")
}

func TestResolveEnvOverrides(t *testing.T) {
	r, err := Resolve(uvicornSpec(), map[string]string{
		EnvHost: "127.0.0.1",
		EnvPort: "9001",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"uvicorn", "app.main:app", "--host", "127.0.0.1", "--port", "9001"}, r.Args)
	require.Equal(t, "127.0.0.1:9001", r.Addr())
}

func TestResolveRewritesExistingFlags(t *testing.T) {
	spec := uvicornSpec()
	spec.Command = []string{"uvicorn", "app.main:app", "--host", "localhost", "--port=1234"}

	r, err := Resolve(spec, map[string]string{EnvPort: "8080"})
	require.NoError(t, err)
	require.Equal(t, []string{"uvicorn", "app.main:app", "--host", "0.0.0.0", "--port=8080"}, r.Args)
}

func TestResolveReload(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		reloadFlag string
		reload     bool
		supervise  bool
		hasFlag    bool
	}{
		{"production default", map[string]string{}, "--reload", false, false, false},
		{"production ignores request", map[string]string{EnvReload: "true"}, "--reload", false, false, false},
		{"development default", map[string]string{EnvProfile: "development"}, "--reload", true, false, true},
		{"development disabled", map[string]string{EnvProfile: "development", EnvReload: "0"}, "--reload", false, false, false},
		{"development supervised", map[string]string{EnvProfile: "development"}, "", true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := uvicornSpec()
			spec.ReloadFlag = tt.reloadFlag

			r, err := Resolve(spec, tt.env)
			require.NoError(t, err)
			require.Equal(t, tt.reload, r.Reload)
			require.Equal(t, tt.supervise, r.Supervise)
			require.Equal(t, tt.hasFlag, contains(r.Args, "--reload"))
		})
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		env  map[string]string
		is   error
	}{
		{"no command", Spec{}, nil, ErrNoCommand},
		{"port not a number", uvicornSpec(), map[string]string{EnvPort: "http"}, ErrInvalidPort},
		{"port out of range", uvicornSpec(), map[string]string{EnvPort: "70000"}, ErrInvalidPort},
		{"bad profile", uvicornSpec(), map[string]string{EnvProfile: "staging"}, ErrInvalidProfile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.spec, tt.env)
			require.ErrorIs(t, err, ErrLaunch)
			require.ErrorIs(t, err, tt.is)
		})
	}
}

func TestResolveShellForm(t *testing.T) {
	spec := Spec{
		Command:    []string{"/bin/sh", "-c", "exec uvicorn app.main:app"},
		PortFlag:   "--port",
		ReloadFlag: "--reload",
	}
	r, err := Resolve(spec, map[string]string{EnvProfile: "development"})
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/sh", "-c", "exec uvicorn app.main:app --port 8000 --reload"}, r.Args)
}

func TestResolveExportsApplicationVariables(t *testing.T) {
	r, err := Resolve(uvicornSpec(), map[string]string{EnvPort: "9000", EnvProfile: "development"})
	require.NoError(t, err)
	require.Contains(t, r.Env, "APP_PORT=9000")
	require.Contains(t, r.Env, "HOST=0.0.0.0")
	require.Contains(t, r.Env, "PORT=9000")
	require.Contains(t, r.Env, "DEBUG=true")

	spec := uvicornSpec()
	spec.PortEnv = "APP_PORT"
	spec.ReloadEnv = "RELOAD"
	r, err = Resolve(spec, map[string]string{EnvPort: "9000"})
	require.NoError(t, err)
	require.Contains(t, r.Env, "RELOAD=false")
	require.NotContains(t, r.Env, "PORT=9000")

	ports := 0
	for _, kv := range r.Env {
		if kv == "APP_PORT=9000" {
			ports++
		}
	}
	require.Equal(t, 1, ports)
}

func TestResolveImageCommand(t *testing.T) {
	cmd := uvicornSpec().Argv()

	r, err := Resolve(Spec{
		Command:    cmd,
		HostFlag:   "--host",
		PortFlag:   "--port",
		ReloadFlag: "--reload",
	}, map[string]string{EnvPort: "9100", EnvProfile: "development"})
	require.NoError(t, err)

	// The flags already read the environment; only reload is added.
	require.Equal(t, cmd[:2], r.Args[:2])
	require.Equal(t, cmd[2]+" --reload", r.Args[2])
	require.Contains(t, r.Env, "APP_PORT=9100")
}

func TestResolveDisableSupervision(t *testing.T) {
	spec := uvicornSpec()
	spec.ReloadFlag = ""

	r, err := Resolve(spec, map[string]string{EnvProfile: "development"})
	require.NoError(t, err)
	require.True(t, r.Supervise)

	r.DisableSupervision()
	require.False(t, r.Reload)
	require.False(t, r.Supervise)
	require.Contains(t, r.Env, "APP_RELOAD=false")
	require.Contains(t, r.Env, "DEBUG=false")
	require.NotContains(t, r.Env, "APP_RELOAD=true")

	// Reload carried by the process flag is left alone.
	r, err = Resolve(uvicornSpec(), map[string]string{EnvProfile: "development"})
	require.NoError(t, err)
	r.DisableSupervision()
	require.True(t, r.Reload)
	require.True(t, contains(r.Args, "--reload"))
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}
