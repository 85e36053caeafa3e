package state

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Kind names an entity type.
type Kind string

const (
	KindGuild   Kind = "guild"
	KindChannel Kind = "channel"
	KindRole    Kind = "role"
	KindMember  Kind = "member"
	KindMessage Kind = "message"
	KindUser    Kind = "user"
)

var kinds = map[Kind]bool{
	KindGuild: true, KindChannel: true, KindRole: true,
	KindMember: true, KindMessage: true, KindUser: true,
}

// Op is what a dispatch does to its entity.
type Op string

const (
	OpCreate     Op = "create"     // store the whole object
	OpReplace    Op = "replace"    // same as create, reported as an update
	OpPatch      Op = "patch"      // merge present top-level fields only
	OpDelete     Op = "delete"     // remove
	OpInvalidate Op = "invalidate" // drop everything scoped to the guild
	OpFanout     Op = "fanout"     // only the children are stored
)

var ops = map[Op]bool{
	OpCreate: true, OpReplace: true, OpPatch: true,
	OpDelete: true, OpInvalidate: true, OpFanout: true,
}

// Placeholders usable in place of a path.
const (
	refID    = "$id"
	refGuild = "$guild"
)

// Rule describes one dispatch type.
type Rule struct {
	Op          Op       `yaml:"op"`
	Kind        Kind     `yaml:"kind"`
	Source      string   `yaml:"source"`
	ID          string   `yaml:"id"`
	Parent      string   `yaml:"parent"`
	Guild       string   `yaml:"guild"`
	Strip       []string `yaml:"strip"`
	Unavailable string   `yaml:"unavailable"`
	Children    []Child  `yaml:"children"`
}

// Child is a nested object (or array of objects) stored separately.
type Child struct {
	Path   string `yaml:"path"`
	Kind   Kind   `yaml:"kind"`
	ID     string `yaml:"id"`
	Parent string `yaml:"parent"`
	Guild  string `yaml:"guild"`
}

// Semantics maps dispatch type to rule.
type Semantics map[string]Rule

//go:embed semantics.yaml
var defaultSemantics []byte

// DefaultSemantics returns the built-in table.
func DefaultSemantics() Semantics {
	s, err := ParseSemantics(defaultSemantics)
	if err != nil {
		panic(fmt.Sprintf("state: embedded semantics: %v", err))
	}
	return s
}

// ParseSemantics reads and validates a YAML table.
func ParseSemantics(data []byte) (Semantics, error) {
	var s Semantics
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse semantics: %w", err)
	}
	for name, r := range s {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("semantics %s: %w", name, err)
		}
	}
	return s, nil
}

func (r Rule) validate() error {
	if !ops[r.Op] {
		return fmt.Errorf("unknown op %q", r.Op)
	}
	if r.Op != OpFanout {
		if !kinds[r.Kind] {
			return fmt.Errorf("unknown kind %q", r.Kind)
		}
		if r.ID == "" {
			return fmt.Errorf("missing id path")
		}
	} else if len(r.Children) == 0 {
		return fmt.Errorf("fanout without children")
	}
	for i, c := range r.Children {
		if !kinds[c.Kind] {
			return fmt.Errorf("child %d: unknown kind %q", i, c.Kind)
		}
		if c.Path == "" || c.ID == "" {
			return fmt.Errorf("child %d: path and id are required", i)
		}
	}
	return nil
}
