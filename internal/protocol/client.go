package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/cruciblehq/stratum/internal/paths"
)

// Talks to the daemon over its Unix socket.
type Client struct {
	SocketPath string // Empty uses paths.Socket.
}

// Sends one request and decodes the response into result.
//
// A nil result discards the response payload. An "error" response is
// returned as ErrRemote carrying the daemon's message. Cancelling ctx
// closes the connection, which the daemon treats as a cancelled request.
func (c *Client) Send(ctx context.Context, cmd Command, payload, result any) error {
	socket := c.SocketPath
	if socket == "" {
		socket = paths.Socket()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := Encode(cmd, payload)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return c.connError(ctx, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return c.connError(ctx, err)
	}

	env, raw, err := Decode(line)
	if err != nil {
		return err
	}

	switch env.Command {
	case CmdOK:
		if result == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("%w: %s result: %w", ErrProtocol, cmd, err)
		}
		return nil
	case CmdError:
		res, err := DecodePayload[ErrorResult](raw)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrRemote, res.Message)
	default:
		return fmt.Errorf("%w: unexpected response %q", ErrProtocol, env.Command)
	}
}

// Builds a project in the daemon.
func (c *Client) Build(ctx context.Context, req *BuildRequest) (*BuildResult, error) {
	var res BuildResult
	if err := c.Send(ctx, CmdBuild, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Returns the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var res StatusResult
	if err := c.Send(ctx, CmdStatus, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Lists images published in the daemon's store.
func (c *Client) Images(ctx context.Context) (*ImagesResult, error) {
	var res ImagesResult
	if err := c.Send(ctx, CmdImages, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Send(ctx, CmdShutdown, nil, nil)
}

func (c *Client) connError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: connection closed", ErrUnavailable)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
