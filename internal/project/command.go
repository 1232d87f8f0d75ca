package project

import (
	"fmt"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// Argument vector that may be written as a YAML list or as a single
// shell-quoted string.
type Command []string

// Decodes a list as is and splits a string with shell quoting rules.
func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return c.Set(node.Value)
	case yaml.SequenceNode:
		var args []string
		if err := node.Decode(&args); err != nil {
			return err
		}
		*c = args
		return nil
	}
	return fmt.Errorf("line %d: command must be a string or a list", node.Line)
}

// Parses a shell-quoted command line.
func (c *Command) Set(s string) error {
	args, err := shellquote.Split(s)
	if err != nil {
		return fmt.Errorf("command %q: %w", s, err)
	}
	*c = args
	return nil
}

// Shell-quoted form of the command.
func (c Command) String() string {
	return shellquote.Join(c...)
}
