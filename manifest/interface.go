package manifest

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/vk/evergo/payload"
	"gopkg.in/yaml.v3"
)

// Interface lists the commands and variables an interface declares.
type Interface struct {
	Name        string  `json:"-" yaml:"-"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Cmds        NameSet `json:"cmds,omitempty" yaml:"cmds,omitempty"`
	Vars        NameSet `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// NameSet is a set of command or variable names. Each name keeps its raw
// definition (arguments, result and type hints), which the bridge carries
// but never interprets.
//
// A NameSet decodes from either a list of names or an object keyed by name.
type NameSet map[string]any

// Names returns the names in sorted order.
func (s NameSet) Names() []string {
	return sortedKeys(s)
}

// Has reports whether name is declared.
func (s NameSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// UnmarshalJSON accepts `["a", "b"]` and `{"a": {...}, "b": {...}}`.
func (s *NameSet) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] == '[' {
		var names []string
		if err := json.Unmarshal(b, &names); err != nil {
			return err
		}
		return s.fromList(names)
	}
	var defs map[string]any
	if err := json.Unmarshal(b, &defs); err != nil {
		return err
	}
	*s = defs
	return nil
}

// UnmarshalYAML accepts a sequence of names or a mapping keyed by name.
func (s *NameSet) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		return s.fromList(names)
	case yaml.MappingNode:
		var defs map[string]any
		if err := node.Decode(&defs); err != nil {
			return err
		}
		*s = defs
		return nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*s = nil
			return nil
		}
	}
	return fmt.Errorf("line %d: expected a list or mapping of names", node.Line)
}

func (s *NameSet) fromList(names []string) error {
	set := make(NameSet, len(names))
	for _, n := range names {
		if _, dup := set[n]; dup {
			return fmt.Errorf("duplicate name %q", n)
		}
		set[n] = nil
	}
	*s = set
	return nil
}

// ParseInterface decodes the description of the interface called name.
func ParseInterface(name string, p payload.Payload) (*Interface, error) {
	iface, err := payload.Decode[Interface](p)
	if err != nil {
		return nil, fmt.Errorf("%w: interface %q: %w", ErrManifest, name, err)
	}
	iface.Name = name
	return &iface, nil
}

// Encode serializes the interface into the blob format ParseInterface
// accepts.
func (i *Interface) Encode() (payload.Payload, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("encode interface %q: %w", i.Name, err)
	}
	return b, nil
}
