package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseReference(t *testing.T) {
	const digest = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	tests := []struct {
		input      string
		normalized string
		repository string
		tag        string
		digest     string
		pinned     bool
	}{
		{"python", "docker.io/library/python:latest", "docker.io/library/python", "latest", "", false},
		{"python:latest", "docker.io/library/python:latest", "docker.io/library/python", "latest", "", false},
		{"python:3.12-slim", "docker.io/library/python:3.12-slim", "docker.io/library/python", "3.12-slim", "", true},
		{"ghcr.io/acme/app:v1", "ghcr.io/acme/app:v1", "ghcr.io/acme/app", "v1", "", true},
		{"python@" + digest, "docker.io/library/python@" + digest, "docker.io/library/python", "", digest, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			ref, err := ParseReference(tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.normalized, ref.String())
			require.Equal(t, tt.repository, ref.Repository())
			require.Equal(t, tt.tag, ref.Tag())
			require.Equal(t, tt.digest, ref.Digest())
			require.Equal(t, tt.pinned, ref.Pinned())
		})
	}
}

func TestParseReferenceInvalid(t *testing.T) {
	_, err := ParseReference("app:bad tag")
	require.ErrorIs(t, err, ErrReference)
}
