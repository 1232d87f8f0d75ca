package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// Instruction keyword.
type Op string

const (
	From       Op = "FROM"
	Workdir    Op = "WORKDIR"
	Copy       Op = "COPY"
	Run        Op = "RUN"
	Env        Op = "ENV"
	Expose     Op = "EXPOSE"
	Cmd        Op = "CMD"
	Entrypoint Op = "ENTRYPOINT"
	Label      Op = "LABEL"
)

// Flags accepted per instruction.
var allowedFlags = map[Op][]string{
	From: {"--platform"},
	Copy: {"--chown", "--chmod"},
}

// Key/value argument of ENV and LABEL.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Single parsed instruction.
type Instruction struct {
	Op       Op         `json:"op"`
	Args     []string   `json:"args,omitempty"`  // Positional arguments; shell form holds one string.
	Pairs    []KeyValue `json:"pairs,omitempty"` // ENV and LABEL arguments.
	Flags    []string   `json:"flags,omitempty"` // Raw "--name=value" flags.
	JSON     bool       `json:"json,omitempty"`  // Exec (JSON array) form.
	Line     int        `json:"-"`               // 1-based source line.
	Original string     `json:"-"`               // Source text as written.
}

// Returns the value of a "--name=value" flag and whether it was given.
func (i Instruction) Flag(name string) (string, bool) {
	for _, f := range i.Flags {
		k, v, _ := strings.Cut(f, "=")
		if k == "--"+name {
			return v, true
		}
	}
	return "", false
}

// Canonical encoding of the instruction, independent of formatting.
func (i Instruction) Canonical() string {
	b, _ := json.Marshal(i)
	return string(b)
}

// Short description used in logs and errors.
func (i Instruction) String() string {
	s := strings.TrimSpace(i.Original)
	if s == "" {
		s = string(i.Op) + " " + strings.Join(i.Args, " ")
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

// Ordered list of instructions with FROM first.
type Manifest struct {
	Instructions []Instruction
}

// Base image instruction.
func (m *Manifest) Base() Instruction {
	return m.Instructions[0]
}

// Reads and parses the manifest at path.
func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parses a manifest.
//
// Line continuations, comments and parser directives are handled by the
// Dockerfile parser. Each resulting node is converted and validated.
func Parse(r io.Reader) (*Manifest, error) {
	res, err := parser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	m := &Manifest{}
	for _, node := range res.AST.Children {
		inst, err := fromNode(node)
		if err != nil {
			return nil, err
		}
		m.Instructions = append(m.Instructions, inst)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Checks instruction ordering.
func (m *Manifest) validate() error {
	if len(m.Instructions) == 0 || m.Instructions[0].Op != From {
		return ErrNoBase
	}
	for _, inst := range m.Instructions[1:] {
		if inst.Op == From {
			return fmt.Errorf("%w: line %d", ErrMultiStage, inst.Line)
		}
	}
	return nil
}

// Converts a parser node into an instruction.
func fromNode(node *parser.Node) (Instruction, error) {
	inst := Instruction{
		Op:       Op(strings.ToUpper(node.Value)),
		Flags:    node.Flags,
		JSON:     node.Attributes["json"],
		Line:     node.StartLine,
		Original: node.Original,
	}

	if err := checkFlags(inst); err != nil {
		return inst, err
	}

	switch inst.Op {
	case Env, Label:
		pairs, err := keyValues(node.Next)
		if err != nil {
			return inst, fmt.Errorf("%w: line %d: %w", ErrParse, inst.Line, err)
		}
		inst.Pairs = pairs
	default:
		for n := node.Next; n != nil; n = n.Next {
			inst.Args = append(inst.Args, n.Value)
		}
	}

	if err := checkArity(inst); err != nil {
		return inst, fmt.Errorf("%w: line %d: %s: %w", ErrParse, inst.Line, inst.Op, err)
	}
	return inst, nil
}

func checkFlags(inst Instruction) error {
	for _, f := range inst.Flags {
		name, _, _ := strings.Cut(f, "=")
		if inst.Op == Copy && name == "--from" {
			return fmt.Errorf("%w: line %d", ErrMultiStage, inst.Line)
		}
		if !slices.Contains(allowedFlags[inst.Op], name) {
			return fmt.Errorf("%w: line %d: %s does not accept %s", ErrParse, inst.Line, inst.Op, name)
		}
	}
	return nil
}

func checkArity(inst Instruction) error {
	switch inst.Op {
	case From:
		if len(inst.Args) != 1 && !(len(inst.Args) == 3 && strings.EqualFold(inst.Args[1], "as")) {
			return fmt.Errorf("expected an image reference")
		}
	case Workdir:
		if len(inst.Args) != 1 {
			return fmt.Errorf("expected exactly one path")
		}
	case Copy:
		if len(inst.Args) < 2 {
			return fmt.Errorf("expected at least one source and a destination")
		}
	case Run, Expose:
		if len(inst.Args) == 0 {
			return fmt.Errorf("expected arguments")
		}
	case Env, Label:
		if len(inst.Pairs) == 0 {
			return fmt.Errorf("expected key=value pairs")
		}
	case Cmd, Entrypoint:
	default:
		return fmt.Errorf("%w", ErrUnsupported)
	}
	return nil
}

// Collects key/value triplets (key, value, separator) from a parser node chain.
func keyValues(n *parser.Node) ([]KeyValue, error) {
	var pairs []KeyValue
	for n != nil {
		if n.Next == nil {
			return nil, fmt.Errorf("missing value for %q", n.Value)
		}
		pairs = append(pairs, KeyValue{
			Key:   n.Value,
			Value: unquote(n.Next.Value),
		})
		n = n.Next.Next
		if n != nil {
			n = n.Next // skip separator
		}
	}
	return pairs, nil
}

// Removes one level of surrounding quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		switch {
		case s[0] == '"' && s[len(s)-1] == '"':
			if u, err := strconv.Unquote(s); err == nil {
				return u
			}
			return s[1 : len(s)-1]
		case s[0] == '\'' && s[len(s)-1] == '\'':
			return s[1 : len(s)-1]
		}
	}
	return s
}
