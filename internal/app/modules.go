package app

import (
	"github.com/vk/evergo/manifest"
	"github.com/vk/evergo/modules/chargerdemo"
	"github.com/vk/evergo/runtime"
)

// Factories maps a module type, as named in the deployment, to the
// constructor of its Go implementation.
type Factories map[string]func() runtime.Module

// coreModules is the definitive list of module types compiled into the
// evergo binary.
func coreModules() Factories {
	return Factories(chargerdemo.Modules())
}

// coreDefinitions install the manifests and interfaces bundled with the
// core modules. Definitions found under the prefix take precedence.
var coreDefinitions = []func(*manifest.Catalog) error{
	chargerdemo.Install,
}
