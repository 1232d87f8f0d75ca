package build

import (
	"slices"
	"testing"

	"github.com/cruciblehq/stratum/internal/manifest"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

func TestNewStepState(t *testing.T) {
	s := newStepState(v1.Config{})
	if !slices.Equal(s.shell, []string{defaultShell, "-c"}) {
		t.Fatalf("shell = %v, want [%s -c]", s.shell, defaultShell)
	}
	if s.workdir != "/" {
		t.Fatalf("workdir = %q, want /", s.workdir)
	}
	if len(s.env) != 0 {
		t.Fatalf("env = %v, want empty", s.env)
	}
}

func TestNewStepStateFromImage(t *testing.T) {
	cfg := v1.Config{
		Shell:      []string{"/bin/bash", "-lc"},
		WorkingDir: "/srv",
		Env:        []string{"PATH=/usr/bin", "LANG=C.UTF-8"},
	}
	s := newStepState(cfg)

	if !slices.Equal(s.shell, cfg.Shell) {
		t.Errorf("shell = %v, want %v", s.shell, cfg.Shell)
	}
	if s.workdir != "/srv" {
		t.Errorf("workdir = %q, want /srv", s.workdir)
	}

	s.setEnv("PATH", "/opt/bin")
	if cfg.Env[0] != "PATH=/usr/bin" {
		t.Error("state shares the image environment")
	}
}

func TestSetEnv(t *testing.T) {
	s := newStepState(v1.Config{Env: []string{"A=1", "B=2"}})

	s.setEnv("A", "3")
	s.setEnv("C", "4")

	want := []string{"A=3", "B=2", "C=4"}
	if got := s.environ(); !slices.Equal(got, want) {
		t.Fatalf("environ = %v, want %v", got, want)
	}
	if v, ok := s.lookup("C"); !ok || v != "4" {
		t.Fatalf("lookup(C) = %q, %v", v, ok)
	}
	if _, ok := s.lookup("D"); ok {
		t.Fatal("lookup(D) found an unset variable")
	}
}

func TestExpand(t *testing.T) {
	s := newStepState(v1.Config{Env: []string{"APP_HOME=/app", "PORT=8000"}})

	tests := []struct {
		in   string
		want string
	}{
		{"$APP_HOME/src", "/app/src"},
		{"${APP_HOME}/src", "/app/src"},
		{"${PORT}/tcp", "8000/tcp"},
		{"$MISSING", ""},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := s.expand(tt.in); got != tt.want {
			t.Errorf("expand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetWorkdir(t *testing.T) {
	s := newStepState(v1.Config{})

	s.setWorkdir("/app")
	if s.workdir != "/app" {
		t.Fatalf("workdir = %q, want /app", s.workdir)
	}

	s.setWorkdir("src/../lib")
	if s.workdir != "/app/lib" {
		t.Fatalf("workdir = %q, want /app/lib", s.workdir)
	}

	s.setWorkdir("/opt//x/")
	if s.workdir != "/opt/x" {
		t.Fatalf("workdir = %q, want /opt/x", s.workdir)
	}
}

func TestCommand(t *testing.T) {
	s := newStepState(v1.Config{})

	shell := manifest.Instruction{Op: manifest.Run, Args: []string{"pip install -r requirements.txt"}}
	want := []string{"/bin/sh", "-c", "pip install -r requirements.txt"}
	if got := s.command(shell); !slices.Equal(got, want) {
		t.Errorf("shell form = %v, want %v", got, want)
	}

	exec := manifest.Instruction{Op: manifest.Cmd, Args: []string{"python", "app.py"}, JSON: true}
	if got := s.command(exec); !slices.Equal(got, exec.Args) {
		t.Errorf("exec form = %v, want %v", got, exec.Args)
	}
}

func TestEnvironIsCopy(t *testing.T) {
	s := newStepState(v1.Config{Env: []string{"A=1"}})

	env := s.environ()
	env[0] = "A=changed"

	if v, _ := s.lookup("A"); v != "1" {
		t.Fatalf("A = %q after modifying the copy", v)
	}
}
