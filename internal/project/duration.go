package project

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration written as a Go duration string ("90s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
