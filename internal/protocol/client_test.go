package protocol

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Serves one connection with respond and returns the socket path.
func serveOnce(t *testing.T, respond func(env *Envelope, conn net.Conn)) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "stp")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	socket := filepath.Join(dir, "s.sock")
	l, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		env, _, err := Decode(line)
		if err != nil {
			return
		}
		respond(env, conn)
	}()
	return socket
}

func reply(conn net.Conn, cmd Command, payload any) {
	data, _ := Encode(cmd, payload)
	conn.Write(append(data, '\n'))
}

func TestClientStatus(t *testing.T) {
	socket := serveOnce(t, func(env *Envelope, conn net.Conn) {
		if env.Command != CmdStatus {
			reply(conn, CmdError, &ErrorResult{Message: "unexpected " + string(env.Command)})
			return
		}
		reply(conn, CmdOK, &StatusResult{Running: true, Pid: 42, Builds: 3})
	})

	c := &Client{SocketPath: socket}
	res, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Running || res.Pid != 42 || res.Builds != 3 {
		t.Errorf("unexpected status %+v", res)
	}
}

func TestClientRemoteError(t *testing.T) {
	socket := serveOnce(t, func(env *Envelope, conn net.Conn) {
		reply(conn, CmdError, &ErrorResult{Message: "step 4 failed"})
	})

	c := &Client{SocketPath: socket}
	_, err := c.Build(context.Background(), &BuildRequest{Context: "/src"})
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if got := err.Error(); got != "daemon error: step 4 failed" {
		t.Errorf("message = %q", got)
	}
}

func TestClientUnavailable(t *testing.T) {
	c := &Client{SocketPath: filepath.Join(t.TempDir(), "missing.sock")}
	err := c.Shutdown(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestClientCanceled(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	socket := serveOnce(t, func(env *Envelope, conn net.Conn) {
		<-release
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := &Client{SocketPath: socket}
	_, err := c.Images(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
