// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifacts

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_DeduplicatesAcrossPacks(t *testing.T) {
	ids, err := Default().Resolve([]string{"Windows.Persistence", "Windows.Triage"})
	require.NoError(t, err)

	count := 0
	for _, id := range ids {
		if id == "Windows.Registry.NTUser" {
			count++
		}
	}
	assert.Equal(t, 1, count, "shared artifact must appear once")
	assert.Len(t, ids, 8)
	assert.Equal(t, "Windows.Sys.StartupItems", ids[0], "first pack's order is kept")
}

func TestResolve_Empty(t *testing.T) {
	ids, err := Default().Resolve(nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestResolve_UnknownPack(t *testing.T) {
	_, err := Default().Resolve([]string{"Linux.Triage", "Solaris"})
	assert.ErrorIs(t, err, ErrUnknownPack)
}

func TestResolve_Deterministic(t *testing.T) {
	packs := []string{"Memory", "Network", "Ransomware"}
	a, err := Default().Resolve(packs)
	require.NoError(t, err)
	b, err := Default().Resolve(packs)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCatalog_NamesAndKnown(t *testing.T) {
	c := Catalog{"b": {"x"}, "a": {"y"}}
	assert.Equal(t, []string{"a", "b"}, c.Names())
	assert.True(t, c.Known("a"))
	assert.False(t, c.Known("c"))
}

func TestManifest_WriteRead(t *testing.T) {
	dir := t.TempDir()
	in := Manifest{Packs: []string{"Memory"}, Artifacts: []string{"Windows.Memory.Acquisition"}}

	path, err := WriteManifest(dir, in)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ManifestFileName), path)

	out, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
