package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Session answering every command with fixed pip show output.
type pipSession struct {
	out  string
	argv []string
}

func (s *pipSession) Exec(ctx context.Context, argv, env []string, workdir string) (*ExecResult, error) {
	s.argv = argv
	return &ExecResult{Stdout: s.out}, nil
}

func (s *pipSession) Diff(ctx context.Context) (v1.Layer, error) { return nil, nil }
func (s *pipSession) Destroy(ctx context.Context)                {}

const pipShowOutput = `Name: Flask
Version: 3.0.0
Summary: A simple framework for building complex web applications.
---
Name: python-dotenv
Version: 1.0.1
`

func writeRequirements(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParsePipShow(t *testing.T) {
	got := parsePipShow(pipShowOutput)
	if got["flask"] != "3.0.0" || got["python-dotenv"] != "1.0.1" || len(got) != 2 {
		t.Fatalf("parsePipShow = %v", got)
	}
}

func TestVerifyDependencies(t *testing.T) {
	tests := []struct {
		name    string
		reqs    string
		wantErr bool
	}{
		{name: "all pinned and present", reqs: "flask==3.0.0\npython_dotenv==1.0.1\n"},
		{name: "short pin", reqs: "flask==3.0\npython-dotenv==1.0.1.0\n"},
		{name: "unpinned present", reqs: "Flask>=2\n"},
		{name: "version mismatch", reqs: "flask==3.0.1\n", wantErr: true},
		{name: "pre-release is not the release", reqs: "flask==3.0.0rc1\n", wantErr: true},
		{name: "missing", reqs: "requests==2.31.0\n", wantErr: true},
		{name: "marker skipped", reqs: "flask==3.0.0\npywin32==306; sys_platform == 'win32'\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &pipSession{out: pipShowOutput}
			files := []string{writeRequirements(t, tt.reqs)}

			err := verifyDependencies(context.Background(), sess, files, defaultVerifyCommand, nil, "/app")
			if tt.wantErr {
				if !errors.Is(err, ErrDependencyMissing) {
					t.Fatalf("error = %v, want %v", err, ErrDependencyMissing)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestVerifyDependenciesSkipsLockfiles(t *testing.T) {
	sess := &pipSession{}
	lock := filepath.Join(t.TempDir(), "poetry.lock")
	if err := os.WriteFile(lock, []byte("[[package]]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := verifyDependencies(context.Background(), sess, []string{lock}, defaultVerifyCommand, nil, "/app"); err != nil {
		t.Fatal(err)
	}
	if sess.argv != nil {
		t.Fatalf("verification ran %v for a lockfile", sess.argv)
	}
}
