// Package chargerdemo contains two small modules, a charger and the power
// meter it depends on, together with their manifests and interfaces. They
// exercise every path of the bridge: commands with arguments, outbound
// calls, published variables and the ready signal.
package chargerdemo

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/vk/evergo/manifest"
	"github.com/vk/evergo/runtime"
)

// Module type names, as used in deployment files.
const (
	ChargerType = "ChargerDemo"
	MeterType   = "MeterDemo"
)

//go:embed definitions
var definitions embed.FS

// Modules returns a constructor per module type.
func Modules() map[string]func() runtime.Module {
	return map[string]func() runtime.Module{
		ChargerType: func() runtime.Module { return NewCharger() },
		MeterType:   func() runtime.Module { return NewMeter(0) },
	}
}

// Install adds the bundled manifests and interfaces to c, keeping any that
// c already holds.
func Install(c *manifest.Catalog) error {
	return fs.WalkDir(definitions, "definitions", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := definitions.ReadFile(p)
		if err != nil {
			return err
		}
		switch {
		case path.Base(p) == "manifest.yaml":
			moduleType := path.Base(path.Dir(p))
			if c.HasManifest(moduleType) {
				return nil
			}
			m, err := manifest.ParseManifestYAML(data)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			c.AddManifest(moduleType, m)
		case path.Base(path.Dir(p)) == "interfaces":
			name := strings.TrimSuffix(path.Base(p), path.Ext(p))
			if c.HasInterface(name) {
				return nil
			}
			iface, err := manifest.ParseInterfaceYAML(name, data)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			c.AddInterface(iface)
		}
		return nil
	})
}

// Reading is the result of the meter's read command.
type Reading struct {
	PowerW float64 `json:"power_w"`
}
