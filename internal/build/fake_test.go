package build

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cruciblehq/stratum/internal/store"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Executor that records commands and produces a diff derived from them.
type fakeExecutor struct {
	mu        sync.Mutex
	commands  [][]string
	sessions  int
	destroyed int

	// Result returned for argv; nil means success.
	result func(argv []string) *ExecResult

	// Output returned for the verification command.
	pipShow string
}

func (f *fakeExecutor) Start(ctx context.Context, img v1.Image, id string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return &fakeSession{exec: f}, nil
}

func (f *fakeExecutor) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

type fakeSession struct {
	exec *fakeExecutor
	last []string
}

func (s *fakeSession) Exec(ctx context.Context, argv, env []string, workdir string) (*ExecResult, error) {
	f := s.exec
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, slices.Clone(argv))
	if len(argv) >= len(defaultVerifyCommand) && slices.Equal(argv[:len(defaultVerifyCommand)], defaultVerifyCommand) {
		return &ExecResult{Stdout: f.pipShow}, nil
	}
	if f.result != nil {
		if r := f.result(argv); r != nil {
			return r, nil
		}
	}
	s.last = argv
	return &ExecResult{}, nil
}

// Returns a layer holding one file whose content is the last command. The
// modification time is the current time, as a real container would leave it.
func (s *fakeSession) Diff(ctx context.Context) (v1.Layer, error) {
	content := []byte(strings.Join(s.last, " "))

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     "var/lib/stratum-test/run.log",
		Mode:     0644,
		Size:     int64(len(content)),
		ModTime:  time.Now(),
		Uname:    "root",
	})
	if err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	data := buf.Bytes()
	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

func (s *fakeSession) Destroy(ctx context.Context) {
	s.exec.mu.Lock()
	defer s.exec.mu.Unlock()
	s.exec.destroyed++
}

// Resolver serving a single image for every reference.
type staticResolver struct {
	img v1.Image
}

func (r staticResolver) Resolve(ctx context.Context, ref store.Reference, platform *v1.Platform) (v1.Image, error) {
	return r.img, nil
}
