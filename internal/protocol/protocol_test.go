package protocol

import (
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(CmdBuild, &BuildRequest{Context: "/src/api", Tag: "api:1.0"})
	if err != nil {
		t.Fatal(err)
	}

	env, raw, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Command != CmdBuild {
		t.Errorf("command = %q, want %q", env.Command, CmdBuild)
	}

	req, err := DecodePayload[BuildRequest](raw)
	if err != nil {
		t.Fatal(err)
	}
	if req.Context != "/src/api" || req.Tag != "api:1.0" || req.NoCache {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestEncodeNilPayload(t *testing.T) {
	data, err := Encode(CmdStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), `{"command":"status"}`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "build"},
		{"missing command", `{"payload":{}}`},
		{"wrong type", `{"command":7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.data))
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	res, err := DecodePayload[StatusResult](nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Running || res.Builds != 0 {
		t.Errorf("expected zero value, got %+v", res)
	}
}

func TestDecodePayloadInvalid(t *testing.T) {
	_, err := DecodePayload[BuildRequest]([]byte(`{"noCache":"yes"}`))
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}
