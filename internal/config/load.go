package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/evergo/internal/ctxlog"
	"github.com/vk/evergo/internal/fsutil"
)

// hclDeploymentFile is the top-level structure of a deployment file.
type hclDeploymentFile struct {
	Bus     []*hclBus    `hcl:"bus,block"`
	Modules []*hclModule `hcl:"module,block"`
}

type hclBus struct {
	Backend            *string   `hcl:"backend,optional"`
	URL                *string   `hcl:"url,optional"`
	Namespace          *string   `hcl:"namespace,optional"`
	InsecureSkipVerify *bool     `hcl:"insecure_skip_verify,optional"`
	ConnectTimeout     *string   `hcl:"connect_timeout,optional"`
	DefRange           hcl.Range `hcl:",def_range"`
}

type hclModule struct {
	ID          string        `hcl:"id,label"`
	Module      string        `hcl:"module"`
	Connections []*hclConnect `hcl:"connect,block"`
	DefRange    hcl.Range     `hcl:",def_range"`
}

type hclConnect struct {
	Requirement    string    `hcl:"requirement,label"`
	Module         string    `hcl:"module"`
	Implementation string    `hcl:"implementation"`
	DefRange       hcl.Range `hcl:",def_range"`
}

// Load reads the deployment at path, which is either one HCL file or a
// directory searched recursively for .hcl files, then applies environment
// overrides and validates the result.
func Load(ctx context.Context, path string) (*Deployment, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading deployment.", "path", path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment %s: %w", path, err)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = fsutil.FindFiles(path, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("failed to find deployment files in %s: %w", path, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no .hcl deployment files found in %s", path)
		}
	}

	d := NewDeployment()
	parser := hclparse.NewParser()
	var busRange *hcl.Range
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		if err := d.decode(hclFile.Body, &busRange); err != nil {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, err)
		}
	}

	if err := ApplyEnv(&d.Bus, nil); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	logger.Info("Deployment loaded.", "modules", len(d.Modules), "backend", d.Bus.Backend)
	return d, nil
}

// Parse decodes a single deployment document held in memory. Environment
// overrides are not applied.
func Parse(src []byte, filename string) (*Deployment, error) {
	hclFile, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL %s: %w", filename, diags)
	}
	d := NewDeployment()
	var busRange *hcl.Range
	if err := d.decode(hclFile.Body, &busRange); err != nil {
		return nil, fmt.Errorf("failed to decode HCL %s: %w", filename, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// decode merges one file body into d. busRange remembers where the bus block
// was first declared across files.
func (d *Deployment) decode(body hcl.Body, busRange **hcl.Range) error {
	var parsed hclDeploymentFile
	if diags := gohcl.DecodeBody(body, nil, &parsed); diags.HasErrors() {
		return diags
	}

	for _, b := range parsed.Bus {
		if *busRange != nil {
			return hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "Duplicate \"bus\" block",
				Detail:   fmt.Sprintf("Only one \"bus\" block is allowed; the first was declared at %s.", *busRange),
				Subject:  b.DefRange.Ptr(),
			}}
		}
		r := b.DefRange
		*busRange = &r
		if err := b.applyTo(&d.Bus); err != nil {
			return err
		}
	}

	for _, m := range parsed.Modules {
		if _, exists := d.Modules[m.ID]; exists {
			return hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "Duplicate module",
				Detail:   fmt.Sprintf("Module %q is declared more than once.", m.ID),
				Subject:  m.DefRange.Ptr(),
			}}
		}
		inst := &Instance{ID: m.ID, Type: m.Module, Connections: make(map[string]Connection)}
		for _, c := range m.Connections {
			if _, exists := inst.Connections[c.Requirement]; exists {
				return hcl.Diagnostics{{
					Severity: hcl.DiagError,
					Summary:  "Duplicate connection",
					Detail:   fmt.Sprintf("Requirement %q of module %q is connected more than once.", c.Requirement, m.ID),
					Subject:  c.DefRange.Ptr(),
				}}
			}
			inst.Connections[c.Requirement] = Connection{Module: c.Module, Implementation: c.Implementation}
		}
		d.Modules[m.ID] = inst
	}
	return nil
}

func (b *hclBus) applyTo(out *Bus) error {
	if b.Backend != nil {
		out.Backend = *b.Backend
	}
	if b.URL != nil {
		out.URL = *b.URL
	}
	if b.Namespace != nil {
		out.Namespace = *b.Namespace
	}
	if b.InsecureSkipVerify != nil {
		out.InsecureSkipVerify = *b.InsecureSkipVerify
	}
	if b.ConnectTimeout != nil {
		timeout, err := time.ParseDuration(*b.ConnectTimeout)
		if err != nil {
			return hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "Invalid connect_timeout",
				Detail:   err.Error(),
				Subject:  b.DefRange.Ptr(),
			}}
		}
		out.ConnectTimeout = timeout
	}
	return nil
}
