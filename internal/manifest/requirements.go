package manifest

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	requirementPattern = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*(\[[^\]]*\])?\s*(.*)$`)
	separatorPattern   = regexp.MustCompile(`[-_.]+`)
)

// Single entry of a pip requirements file.
type Requirement struct {
	Name      string   // Normalized project name.
	Extras    string   // Extras in brackets, as written.
	Specifier string   // Version specifier, e.g. "==1.2.0" or ">=1,<2".
	Version   string   // Pinned version when the specifier is a single "==".
	Marker    string   // Environment marker after ";".
	Hashes    []string // Values of --hash options.
	Line      int      // 1-based line where the entry starts.
}

// Whether the requirement pins an exact version.
func (r Requirement) Pinned() bool {
	return r.Version != ""
}

// Normalizes a project name: lowercase, runs of "-", "_" and "." folded to "-".
func NormalizeName(name string) string {
	return strings.ToLower(separatorPattern.ReplaceAllString(name, "-"))
}

// Parses a pip requirements file.
//
// Blank lines, comments and line continuations are handled. Option lines
// (-r, -c, -e, --index-url and similar) are skipped since they do not name a
// package. Per-requirement --hash options are collected.
func ParseRequirements(r io.Reader) ([]Requirement, error) {
	var (
		reqs    []Requirement
		pending strings.Builder
		start   int
		lineNo  int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if pending.Len() == 0 {
			start = lineNo
		}
		if strings.HasSuffix(line, `\`) {
			pending.WriteString(strings.TrimSuffix(line, `\`))
			pending.WriteString(" ")
			continue
		}
		pending.WriteString(line)

		logical := stripComment(pending.String())
		pending.Reset()

		if logical == "" || strings.HasPrefix(logical, "-") {
			continue
		}

		req, err := parseRequirement(logical)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrRequirements, start, err)
		}
		req.Line = start
		reqs = append(reqs, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequirements, err)
	}
	return reqs, nil
}

// Removes a trailing comment. A "#" only starts a comment at the beginning of
// the line or after whitespace, so URL fragments survive.
func stripComment(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "#") {
		return ""
	}
	if i := strings.Index(s, " #"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func parseRequirement(s string) (Requirement, error) {
	var req Requirement

	// Split off per-requirement options.
	fields := strings.Fields(s)
	var spec []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case strings.HasPrefix(f, "--hash="):
			req.Hashes = append(req.Hashes, strings.TrimPrefix(f, "--hash="))
		case f == "--hash" && i+1 < len(fields):
			req.Hashes = append(req.Hashes, fields[i+1])
			i++
		case strings.HasPrefix(f, "--"):
		default:
			spec = append(spec, f)
		}
	}
	s = strings.Join(spec, " ")

	if before, after, ok := strings.Cut(s, ";"); ok {
		s = before
		req.Marker = strings.TrimSpace(after)
	}

	m := requirementPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return req, fmt.Errorf("cannot parse %q", s)
	}

	req.Name = NormalizeName(m[1])
	req.Extras = m[2]
	req.Specifier = strings.ReplaceAll(strings.TrimSpace(m[3]), " ", "")

	if req.Specifier != "" && !strings.HasPrefix(req.Specifier, "@") && !strings.ContainsAny(req.Specifier[:1], "=<>!~") {
		return req, fmt.Errorf("invalid version specifier %q", req.Specifier)
	}
	if v, ok := strings.CutPrefix(req.Specifier, "=="); ok && !strings.ContainsAny(v, "=,*") {
		req.Version = v
	}
	return req, nil
}
