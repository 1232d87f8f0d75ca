package store

import (
	"fmt"

	"github.com/distribution/reference"
)

const latestTag = "latest"

// Validated and normalized image reference.
//
// Either tagged ("docker.io/library/alpine:3.20") or canonical
// ("docker.io/library/alpine@sha256:..."). A missing tag is normalized to
// "latest".
type Reference struct {
	raw        string
	repository string
	tag        string // empty for digest references
	digest     string // empty for tag references
	explicit   bool   // whether the tag was written by the user
}

// Parses and normalizes a user-provided reference.
//
//	"alpine"              -> "docker.io/library/alpine:latest"
//	"alpine:3.20"         -> "docker.io/library/alpine:3.20"
//	"alpine@sha256:abc.." -> "docker.io/library/alpine@sha256:abc.."
func ParseReference(s string) (Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %q: %w", ErrReference, s, err)
	}

	ref := Reference{
		repository: reference.Domain(named) + "/" + reference.Path(named),
	}

	if canonical, ok := named.(reference.Canonical); ok {
		ref.digest = canonical.Digest().String()
		ref.raw = ref.repository + "@" + ref.digest
		return ref, nil
	}

	_, ref.explicit = named.(reference.Tagged)
	tagged := reference.TagNameOnly(named)
	if t, ok := tagged.(reference.Tagged); ok {
		ref.tag = t.Tag()
	}
	ref.raw = tagged.String()
	return ref, nil
}

// Like ParseReference but panics on error. For tests and constants.
func MustParseReference(s string) Reference {
	ref, err := ParseReference(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// Full normalized reference.
func (r Reference) String() string {
	return r.raw
}

// Repository without tag or digest, e.g. "docker.io/library/alpine".
func (r Reference) Repository() string {
	return r.repository
}

// Tag, or empty for digest references.
func (r Reference) Tag() string {
	return r.tag
}

// Digest, or empty for tag references.
func (r Reference) Digest() string {
	return r.digest
}

// Whether the reference carries a digest.
func (r Reference) IsDigest() bool {
	return r.digest != ""
}

// Whether the reference names a specific version.
//
// Digest references are pinned. Tag references are pinned when the tag was
// given explicitly and is not "latest".
func (r Reference) Pinned() bool {
	if r.IsDigest() {
		return true
	}
	return r.explicit && r.tag != latestTag
}

// Whether the reference was parsed successfully.
func (r Reference) IsZero() bool {
	return r.raw == ""
}
