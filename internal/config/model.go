// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the Deployment model, the format-agnostic result of
// loading one or more deployment files.
package config

import (
	"fmt"
	"sort"
	"time"
)

// Bus backends understood by the application.
const (
	BackendLocal  = "local"
	BackendSocket = "socketio"
)

// Deployment is the merged content of every deployment file.
type Deployment struct {
	Bus     Bus
	Modules map[string]*Instance
}

// Bus describes how a module process connects to the bus.
type Bus struct {
	Backend            string
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// Instance is one configured module: a unique id running a module type.
type Instance struct {
	ID   string
	Type string
	// Connections maps a requirement id of the module type to the
	// implementation serving it.
	Connections map[string]Connection
}

// Connection points a requirement at one implementation of another instance.
type Connection struct {
	Module         string
	Implementation string
}

func (c Connection) String() string {
	return c.Module + "." + c.Implementation
}

// DefaultBus returns the settings used when no bus block is present.
func DefaultBus() Bus {
	return Bus{
		Backend:        BackendLocal,
		Namespace:      "/",
		ConnectTimeout: 10 * time.Second,
	}
}

// NewDeployment returns an empty deployment with default bus settings.
func NewDeployment() *Deployment {
	return &Deployment{
		Bus:     DefaultBus(),
		Modules: make(map[string]*Instance),
	}
}

// Module returns the instance with the given id.
func (d *Deployment) Module(id string) (*Instance, error) {
	inst, ok := d.Modules[id]
	if !ok {
		return nil, fmt.Errorf("module %q is not part of the deployment", id)
	}
	return inst, nil
}

// ModuleIDs returns the instance ids in sorted order.
func (d *Deployment) ModuleIDs() []string {
	ids := make([]string, 0, len(d.Modules))
	for id := range d.Modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that every connection targets a configured instance and
// that the bus settings are usable.
func (d *Deployment) Validate() error {
	switch d.Bus.Backend {
	case BackendLocal:
	case BackendSocket:
		if d.Bus.URL == "" {
			return fmt.Errorf("bus backend %q requires a url", d.Bus.Backend)
		}
	default:
		return fmt.Errorf("unknown bus backend %q", d.Bus.Backend)
	}
	if d.Bus.ConnectTimeout <= 0 {
		return fmt.Errorf("bus connect_timeout must be positive, got %s", d.Bus.ConnectTimeout)
	}

	for _, id := range d.ModuleIDs() {
		inst := d.Modules[id]
		for req, conn := range inst.Connections {
			if _, ok := d.Modules[conn.Module]; !ok {
				return fmt.Errorf("module %q: requirement %q connects to unknown module %q", id, req, conn.Module)
			}
		}
	}
	return nil
}
