package launch

import (
	"bytes"
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"
)

// Returns a free loopback port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestPreflightPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	err = Preflight(context.Background(), l.Addr().String())
	require.ErrorIs(t, err, ErrLaunch)
	require.ErrorIs(t, err, ErrPortInUse)
}

func TestPreflightFree(t *testing.T) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	require.NoError(t, Preflight(context.Background(), addr))
}

func TestSupervisorRunsOnceWithEnv(t *testing.T) {
	requireShell(t)

	r, err := Resolve(Spec{
		Command: []string{"sh", "-c", `echo "$APP_HOST:$APP_PORT $APP_PROFILE"`},
		Host:    "127.0.0.1",
		Port:    freePort(t),
	}, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	s := &Supervisor{Resolved: r, Dir: t.TempDir(), Stdout: &out, Stderr: &out}
	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, r.Addr()+" production\n", out.String())
}

func TestSupervisorExitStatus(t *testing.T) {
	requireShell(t)

	r, err := Resolve(Spec{
		Command: []string{"sh", "-c", "exit 3"},
		Host:    "127.0.0.1",
		Port:    freePort(t),
	}, nil)
	require.NoError(t, err)

	err = (&Supervisor{Resolved: r, Dir: t.TempDir()}).Run(context.Background())
	require.ErrorIs(t, err, ErrLaunch)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, exitErr.Code)
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	requireShell(t)

	r, err := Resolve(Spec{
		Command: []string{"sh", "-c", "sleep 30"},
		Host:    "127.0.0.1",
		Port:    freePort(t),
	}, map[string]string{EnvProfile: "development"})
	require.NoError(t, err)
	require.True(t, r.Supervise)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- (&Supervisor{Resolved: r, Dir: t.TempDir()}).Run(ctx)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestDebounceWatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	w, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, addTree(w, root))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 1)
	s := &Supervisor{Debounce: 20 * time.Millisecond}
	go s.debounce(ctx, w, changes)

	wait := func() {
		t.Helper()
		select {
		case <-changes:
		case <-time.After(5 * time.Second):
			t.Fatal("no change reported")
		}
	}

	sub := filepath.Join(root, "pkg")
	require.NoError(t, os.Mkdir(sub, 0755))
	wait()

	require.NoError(t, os.WriteFile(filepath.Join(sub, "views.py"), []byte("x = 1\n"), 0644))
	wait()
}

func TestIgnoredPath(t *testing.T) {
	require.True(t, ignoredPath("/src/app/__pycache__/x.py"))
	require.True(t, ignoredPath("/src/app/main.pyc"))
	require.True(t, ignoredPath("/src/.git/index"))
	require.False(t, ignoredPath("/src/app/main.py"))
}
