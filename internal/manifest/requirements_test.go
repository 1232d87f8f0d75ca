package manifest

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRequirements(t *testing.T) {
	input := `# web stack
fastapi==0.110.0
Uvicorn[standard] >= 0.29, < 1.0  # server
SQLAlchemy_Utils==0.41.1 \
    --hash=sha256:aaaa \
    --hash=sha256:bbbb
-r dev.txt
--index-url https://pypi.org/simple

pydantic-settings ; python_version >= "3.9"
mypkg @ https://example.com/mypkg.tar.gz#egg=mypkg
`
	reqs, err := ParseRequirements(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name, specifier, version, marker string
		hashes                           int
		line                             int
	}{
		{"fastapi", "==0.110.0", "0.110.0", "", 0, 2},
		{"uvicorn", ">=0.29,<1.0", "", "", 0, 3},
		{"sqlalchemy-utils", "==0.41.1", "0.41.1", "", 2, 4},
		{"pydantic-settings", "", "", `python_version >= "3.9"`, 0, 10},
		{"mypkg", "@https://example.com/mypkg.tar.gz#egg=mypkg", "", "", 0, 11},
	}
	if len(reqs) != len(tests) {
		t.Fatalf("expected %d requirements, got %d: %+v", len(tests), len(reqs), reqs)
	}
	for i, tt := range tests {
		r := reqs[i]
		if r.Name != tt.name || r.Specifier != tt.specifier || r.Version != tt.version || r.Marker != tt.marker {
			t.Errorf("requirement %d: got %+v", i, r)
		}
		if len(r.Hashes) != tt.hashes {
			t.Errorf("requirement %d: expected %d hashes, got %d", i, tt.hashes, len(r.Hashes))
		}
		if r.Line != tt.line {
			t.Errorf("requirement %d: expected line %d, got %d", i, tt.line, r.Line)
		}
		if r.Pinned() != (tt.version != "") {
			t.Errorf("requirement %d: unexpected pinned state", i)
		}
	}
}

func TestParseRequirementsInvalid(t *testing.T) {
	_, err := ParseRequirements(strings.NewReader("fastapi 1.0\n"))
	if !errors.Is(err, ErrRequirements) {
		t.Fatalf("expected ErrRequirements, got %v", err)
	}
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"Django":            "django",
		"zope.interface":    "zope-interface",
		"SQLAlchemy__Utils": "sqlalchemy-utils",
		"a-_.b":             "a-b",
	}
	for in, want := range tests {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
