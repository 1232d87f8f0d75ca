package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

const (

	// Quiet period after the last change before the child is restarted.
	DefaultDebounce = 300 * time.Millisecond

	// Time a child is given to exit after SIGTERM before it is killed.
	stopGrace = 10 * time.Second
)

// Directory names never watched.
var skipDirs = []string{".git", "__pycache__", "venv", ".venv", "node_modules"}

// Runs a resolved launch command as a child process.
//
// In production, or when the served process reloads itself, the child runs
// once and its exit status is returned. When Resolved.Supervise is set, the
// source tree under Dir is watched and the child is restarted after changes.
type Supervisor struct {
	Resolved *Resolved
	Dir      string        // Working directory and watch root.
	Env      []string      // Base environment; os.Environ when nil.
	Debounce time.Duration // Restart debounce; DefaultDebounce when zero.
	Stdout   io.Writer
	Stderr   io.Writer
}

// Runs the child until it exits or ctx is cancelled.
//
// Cancelling ctx stops the child and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Resolved == nil || len(s.Resolved.Args) == 0 {
		return fmt.Errorf("%w: %w", ErrLaunch, ErrNoCommand)
	}
	if err := Preflight(ctx, s.Resolved.Addr()); err != nil {
		return err
	}

	if !s.Resolved.Supervise {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return s.watch(ctx)
}

// Starts the child and waits for it.
func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd, err := s.start(ctx)
	if err != nil {
		return err
	}
	return waitChild(cmd)
}

// Runs the child and restarts it on source changes.
func (s *Supervisor) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	defer watcher.Close()

	for _, root := range s.watchRoots() {
		if err := addTree(watcher, root); err != nil {
			return fmt.Errorf("%w: watch %s: %w", ErrLaunch, root, err)
		}
	}

	changes := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.debounce(gctx, watcher, changes)
		return nil
	})
	g.Go(func() error {
		return s.loop(gctx, changes)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Restart loop. Returns when ctx is cancelled.
func (s *Supervisor) loop(ctx context.Context, changes <-chan struct{}) error {
	for {
		childCtx, stop := context.WithCancel(ctx)
		cmd, err := s.start(childCtx)
		if err != nil {
			stop()
			return err
		}

		exited := make(chan error, 1)
		go func() { exited <- waitChild(cmd) }()

		select {
		case <-ctx.Done():
			stop()
			<-exited
			return ctx.Err()
		case <-changes:
			slog.Info("change detected, restarting")
			stop()
			<-exited
		case err := <-exited:
			stop()
			if err != nil {
				slog.Warn("process exited, waiting for changes", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changes:
			}
		}
	}
}

// Coalesces bursts of file events into single change notifications.
func (s *Supervisor) debounce(ctx context.Context, w *fsnotify.Watcher, changes chan<- struct{}) {
	delay := s.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}

	timer := time.NewTimer(delay)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ignoredPath(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(w, ev.Name); err != nil {
						slog.Warn("watch error", "path", ev.Name, "error", err)
					}
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(delay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("watch error", "error", err)
		case <-timer.C:
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	}
}

// Starts the child process bound to ctx.
func (s *Supervisor) start(ctx context.Context) (*exec.Cmd, error) {
	args := s.Resolved.Args
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(s.baseEnv(), s.Resolved.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stopGrace

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrLaunch, args[0], err)
	}

	slog.Info("process started",
		"pid", cmd.Process.Pid,
		"addr", s.Resolved.Addr(),
		"profile", s.Resolved.Profile,
		"reload", s.Resolved.Reload,
	)
	return cmd, nil
}

func (s *Supervisor) baseEnv() []string {
	if s.Env != nil {
		return slices.Clone(s.Env)
	}
	return os.Environ()
}

// Returns the absolute paths to watch.
func (s *Supervisor) watchRoots() []string {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if len(s.Resolved.Watch) == 0 {
		return []string{dir}
	}
	roots := make([]string, 0, len(s.Resolved.Watch))
	for _, w := range s.Resolved.Watch {
		if !filepath.IsAbs(w) {
			w = filepath.Join(dir, w)
		}
		roots = append(roots, w)
	}
	return roots
}

// Waits for the child and converts its exit status.
func waitChild(cmd *exec.Cmd) error {
	err := cmd.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %w", ErrLaunch, &ExitError{Code: exitErr.ExitCode()})
	}
	return fmt.Errorf("%w: %w", ErrLaunch, err)
}

// Adds root and every directory below it to the watcher.
func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && slices.Contains(skipDirs, d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// Whether a changed path should not trigger a restart.
func ignoredPath(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".pyc") || strings.HasSuffix(base, "~") || strings.HasPrefix(base, ".#") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if slices.Contains(skipDirs, part) {
			return true
		}
	}
	return false
}
