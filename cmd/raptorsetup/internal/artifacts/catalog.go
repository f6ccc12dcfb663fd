// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifacts maps curated artifact pack names to the collection
// artifacts they contain. A single artifact may belong to several packs.
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownPack is returned when a pack name is not in the catalog.
var ErrUnknownPack = errors.New("unknown artifact pack")

// Catalog maps pack name to artifact identifiers in collection order.
type Catalog map[string][]string

var builtin = Catalog{
	"Windows.Triage": {
		"Windows.KapeFiles.Targets",
		"Windows.EventLogs.Evtx",
		"Windows.System.Pslist",
		"Windows.Network.Netstat",
		"Windows.Registry.NTUser",
	},
	"Windows.Persistence": {
		"Windows.Sys.StartupItems",
		"Windows.System.TaskScheduler",
		"Windows.System.Services",
		"Windows.Registry.NTUser",
	},
	"Linux.Triage": {
		"Linux.Sys.Pslist",
		"Linux.Network.Netstat",
		"Linux.Sys.Users",
		"Linux.Syslog.SSHLogin",
		"Generic.System.Pstree",
	},
	"MacOS.Triage": {
		"MacOS.System.Users",
		"MacOS.Applications.List",
		"Generic.System.Pstree",
	},
	"Ransomware": {
		"Windows.EventLogs.Evtx",
		"Windows.Forensics.Timeline",
		"Windows.Detection.Yara.Process",
		"Windows.Sys.StartupItems",
	},
	"Memory": {
		"Windows.Memory.Acquisition",
		"Linux.Memory.Acquisition",
		"Windows.Detection.Yara.Process",
	},
	"Network": {
		"Windows.Network.Netstat",
		"Linux.Network.Netstat",
		"Generic.Network.InterfaceAddresses",
	},
}

// Default returns the built-in catalog. The returned map is shared; do not
// modify it.
func Default() Catalog {
	return builtin
}

// Known reports whether name is a pack in the catalog.
func (c Catalog) Known(name string) bool {
	_, ok := c[name]
	return ok
}

// Names returns every pack name, sorted.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve expands packs into artifact identifiers.
//
// Packs are expanded in the order given and each artifact is kept at its
// first occurrence, so an artifact shared by two packs appears once. An
// unknown pack name fails the whole resolution.
func (c Catalog) Resolve(packs []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, pack := range packs {
		ids, ok := c[pack]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPack, pack)
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

// =============================================================================
// Manifest
// =============================================================================

// Manifest records the packs selected for an installation and the artifacts
// they resolved to. It is written next to the server config so operators can
// see what was enabled.
type Manifest struct {
	Packs     []string `yaml:"packs"`
	Artifacts []string `yaml:"artifacts"`
}

// ManifestFileName is the file WriteManifest creates inside a directory.
const ManifestFileName = "artifact_packs.yaml"

// WriteManifest writes m as YAML to dir/artifact_packs.yaml and returns the path.
func WriteManifest(dir string, m Manifest) (string, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFileName)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("failed to write artifact manifest: %w", err)
	}
	return path, nil
}

// ReadManifest reads a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse artifact manifest: %w", err)
	}
	return m, nil
}
