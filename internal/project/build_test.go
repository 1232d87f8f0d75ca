package project

import (
	"os"
	"testing"
	"time"

	"github.com/cruciblehq/stratum/internal/launch"
	"github.com/cruciblehq/stratum/internal/manifest"
	"github.com/stretchr/testify/require"
)

func TestBuildOptionsGenerated(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "requirements.txt", "fastapi==0.115.0\n")
	writeFile(t, dir, "main.py", "print('hi')\n")
	writeFile(t, dir, FileName, "tag: shop/api:1.0\nsourceDateEpoch: 42\ninstall:\n  retries: 3\n")

	cfg, err := Load(dir)
	require.NoError(t, err)

	opts, err := cfg.BuildOptions()
	require.NoError(t, err)

	require.Equal(t, dir, opts.Context)
	require.Equal(t, "docker.io/shop/api:1.0", opts.Tag.String())
	require.Equal(t, time.Unix(42, 0).UTC(), opts.SourceDateEpoch)
	require.Equal(t, 3, opts.InstallRetries)
	require.NotNil(t, opts.Launch)

	require.NotEmpty(t, opts.Manifest.Instructions)
	require.Equal(t, manifest.From, opts.Manifest.Base().Op)
}

func TestBuildOptionsIgnoresStartSwitches(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "requirements.txt", "fastapi==0.115.0\n")
	writeFile(t, dir, "main.py", "print('hi')\n")
	writeFile(t, dir, EnvFileName, "APP_PROFILE=development\nAPP_PORT=9000\nAPP_HOST=127.0.0.1\n")
	for _, key := range []string{launch.EnvProfile, launch.EnvPort, launch.EnvHost} {
		os.Unsetenv(key)
	}
	t.Cleanup(func() {
		for _, key := range []string{launch.EnvProfile, launch.EnvPort, launch.EnvHost} {
			os.Unsetenv(key)
		}
	})

	cfg, err := Load(dir)
	require.NoError(t, err)
	opts, err := cfg.BuildOptions()
	require.NoError(t, err)

	env := opts.Manifest.Instructions[5]
	require.Equal(t, manifest.Env, env.Op)
	values := map[string]string{}
	for _, kv := range env.Pairs {
		values[kv.Key] = kv.Value
	}
	require.Equal(t, "production", values[launch.EnvProfile])
	require.Equal(t, "8000", values[launch.EnvPort])
	require.Equal(t, "0.0.0.0", values[launch.EnvHost])
	require.Zero(t, opts.Launch.Port)
}

func TestBuildOptionsManifestFile(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "Stratumfile", "FROM python:3.12-slim\nCMD [\"python\", \"app.py\"]\n")
	writeFile(t, dir, FileName, "platform: linux/arm64\n")

	cfg, err := Load(dir)
	require.NoError(t, err)

	opts, err := cfg.BuildOptions()
	require.NoError(t, err)

	require.Len(t, opts.Manifest.Instructions, 2)
	require.Nil(t, opts.Launch)
	require.True(t, opts.Tag.IsZero())
	require.NotNil(t, opts.Platform)
	require.Equal(t, "arm64", opts.Platform.Architecture)
}

func TestBuildOptionsNothingToBuild(t *testing.T) {
	isolateEnv(t)
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	_, err = cfg.BuildOptions()
	require.ErrorIs(t, err, manifest.ErrGenerate)
}

func TestHostLaunchFromConfig(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, FileName, "launch:\n  command: [uvicorn, main:app]\n  portFlag: --port\n  profile: development\n")

	cfg, err := Load(dir)
	require.NoError(t, err)

	spec, err := cfg.HostLaunch(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"uvicorn", "main:app"}, spec.Command)
	require.Equal(t, launch.Development, spec.Profile)
}
