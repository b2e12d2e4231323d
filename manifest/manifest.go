// Package manifest describes what a module provides to and requires from the
// bus: named implementations bound to interfaces, and the command and
// variable names each interface declares.
//
// The bus hands these descriptions over as payload blobs (Parse,
// ParseInterface). On disk they live as YAML files under an installation
// prefix (Catalog).
package manifest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/vk/evergo/payload"
)

// ErrManifest marks a manifest or interface description that could not be
// understood. Registration cannot proceed past it.
var ErrManifest = errors.New("invalid manifest")

// Manifest is the static description of one module type.
type Manifest struct {
	Description string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Provides    map[string]Implementation `json:"provides,omitempty" yaml:"provides,omitempty"`
	Requires    map[string]Requirement    `json:"requires,omitempty" yaml:"requires,omitempty"`
	Config      map[string]any            `json:"config,omitempty" yaml:"config,omitempty"`
	Metadata    map[string]any            `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Implementation binds a module-local implementation id to an interface.
type Implementation struct {
	Interface   string         `json:"interface" yaml:"interface"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Requirement binds a requirement id to the interface the connected
// implementation must offer.
type Requirement struct {
	Interface      string `json:"interface" yaml:"interface"`
	MinConnections int    `json:"min_connections,omitempty" yaml:"min_connections,omitempty"`
	MaxConnections int    `json:"max_connections,omitempty" yaml:"max_connections,omitempty"`
}

// Parse decodes a manifest blob and checks that every implementation and
// requirement names an interface.
func Parse(p payload.Payload) (*Manifest, error) {
	m, err := payload.Decode[Manifest](p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate reports implementations or requirements without an interface.
func (m *Manifest) Validate() error {
	for id, impl := range m.Provides {
		if impl.Interface == "" {
			return fmt.Errorf("%w: implementation %q has no interface", ErrManifest, id)
		}
	}
	for id, req := range m.Requires {
		if req.Interface == "" {
			return fmt.Errorf("%w: requirement %q has no interface", ErrManifest, id)
		}
	}
	return nil
}

// Interfaces returns every distinct interface name referenced by the
// manifest, sorted.
func (m *Manifest) Interfaces() []string {
	seen := make(map[string]struct{})
	for _, impl := range m.Provides {
		seen[impl.Interface] = struct{}{}
	}
	for _, req := range m.Requires {
		seen[req.Interface] = struct{}{}
	}
	return sortedKeys(seen)
}

// ProvidedIDs returns the implementation ids in sorted order.
func (m *Manifest) ProvidedIDs() []string {
	return sortedKeys(m.Provides)
}

// RequiredIDs returns the requirement ids in sorted order.
func (m *Manifest) RequiredIDs() []string {
	return sortedKeys(m.Requires)
}

// Encode serializes the manifest into the blob format Parse accepts.
func (m *Manifest) Encode() (payload.Payload, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return b, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
