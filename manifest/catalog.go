package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vk/evergo/internal/ctxlog"
	"github.com/vk/evergo/internal/fsutil"
	"gopkg.in/yaml.v3"
)

// Catalog holds the module manifests and interface definitions installed
// under a prefix. It is safe for concurrent use.
type Catalog struct {
	mu         sync.RWMutex
	manifests  map[string]*Manifest
	interfaces map[string]*Interface
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		manifests:  make(map[string]*Manifest),
		interfaces: make(map[string]*Interface),
	}
}

// LoadCatalog reads every `modules/<Type>/manifest.yaml` and
// `interfaces/<name>.yaml` below prefix.
func LoadCatalog(ctx context.Context, prefix string) (*Catalog, error) {
	logger := ctxlog.FromContext(ctx)
	c := NewCatalog()

	modulesDir := filepath.Join(prefix, "modules")
	manifestFiles, err := findYAML(modulesDir)
	if err != nil {
		return nil, err
	}
	for _, path := range manifestFiles {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if base != "manifest" {
			continue
		}
		m, err := LoadManifestFile(path)
		if err != nil {
			return nil, err
		}
		moduleType := filepath.Base(filepath.Dir(path))
		c.AddManifest(moduleType, m)
		logger.Debug("Loaded module manifest.", "module", moduleType, "path", path)
	}

	interfacesDir := filepath.Join(prefix, "interfaces")
	interfaceFiles, err := findYAML(interfacesDir)
	if err != nil {
		return nil, err
	}
	for _, path := range interfaceFiles {
		iface, err := LoadInterfaceFile(path)
		if err != nil {
			return nil, err
		}
		c.AddInterface(iface)
		logger.Debug("Loaded interface definition.", "interface", iface.Name, "path", path)
	}

	logger.Info("Catalog loaded.", "prefix", prefix, "manifests", len(c.manifests), "interfaces", len(c.interfaces))
	return c, nil
}

// LoadManifestFile reads one YAML module manifest.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifestYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseManifestYAML decodes and validates a YAML module manifest.
func ParseManifestYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadInterfaceFile reads one YAML interface definition. The interface name
// is the file name without extension.
func LoadInterfaceFile(path string) (*Interface, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read interface: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	iface, err := ParseInterfaceYAML(name, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return iface, nil
}

// ParseInterfaceYAML decodes a YAML interface definition called name.
func ParseInterfaceYAML(name string, data []byte) (*Interface, error) {
	var iface Interface
	if err := yaml.Unmarshal(data, &iface); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}
	iface.Name = name
	return &iface, nil
}

// HasManifest reports whether a manifest for moduleType is present.
func (c *Catalog) HasManifest(moduleType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.manifests[moduleType]
	return ok
}

// HasInterface reports whether the interface name is present.
func (c *Catalog) HasInterface(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.interfaces[name]
	return ok
}

// AddManifest registers the manifest of moduleType, replacing any previous
// one.
func (c *Catalog) AddManifest(moduleType string, m *Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifests[moduleType] = m
}

// AddInterface registers iface under its name, replacing any previous one.
func (c *Catalog) AddInterface(iface *Interface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interfaces[iface.Name] = iface
}

// Manifest returns the manifest of moduleType.
func (c *Catalog) Manifest(moduleType string) (*Manifest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.manifests[moduleType]
	if !ok {
		return nil, fmt.Errorf("%w: no manifest for module type %q", ErrManifest, moduleType)
	}
	return m, nil
}

// Interface returns the interface called name.
func (c *Catalog) Interface(name string) (*Interface, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	iface, ok := c.interfaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown interface %q", ErrManifest, name)
	}
	return iface, nil
}

func findYAML(dir string) ([]string, error) {
	files, err := fsutil.FindFiles(dir, ".yaml", ".yml")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	return files, nil
}
