package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Name of a request or response.
type Command string

const (
	CmdBuild    Command = "build"
	CmdStatus   Command = "status"
	CmdImages   Command = "images"
	CmdShutdown Command = "shutdown"

	CmdOK    Command = "ok"
	CmdError Command = "error"
)

// Wire form of a message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Asks the daemon to build a project.
type BuildRequest struct {
	Context string `json:"context"`           // Absolute path of the build context.
	Tag     string `json:"tag,omitempty"`     // Overrides the configured tag.
	NoCache bool   `json:"noCache,omitempty"` // Execute every step.
	Verify  bool   `json:"verify,omitempty"`  // Verify installed dependencies.
}

// Outcome of one build step.
type BuildStep struct {
	Instruction string        `json:"instruction"`
	Cached      bool          `json:"cached"`
	Layer       string        `json:"layer,omitempty"`
	Duration    time.Duration `json:"duration"`
}

type BuildResult struct {
	ID        string      `json:"id"`
	Reference string      `json:"reference,omitempty"`
	Digest    string      `json:"digest"`
	Steps     []BuildStep `json:"steps"`
}

type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Builds  int    `json:"builds"`
	Active  string `json:"active,omitempty"` // ID of the running build.
}

// Published image.
type Image struct {
	Reference string    `json:"reference"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	Published time.Time `json:"published"`
}

type ImagesResult struct {
	Images []Image `json:"images"`
}

type ErrorResult struct {
	Message string `json:"message"`
}

// Encodes an envelope. A nil payload is omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s payload: %w", ErrProtocol, cmd, err)
		}
		env.Payload = data
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", ErrProtocol, cmd, err)
	}
	return data, nil
}

// Decodes an envelope and returns it with its raw payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrProtocol)
	}
	return &env, env.Payload, nil
}

// Decodes a payload into a T. An empty payload yields the zero T.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	v := new(T)
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrProtocol, err)
	}
	return v, nil
}
