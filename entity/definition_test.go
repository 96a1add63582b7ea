package entity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/chat"
)

const solverDefinition = `---
name: solver
description: Solves well-scoped tasks on request.
capabilities:
  - read_file
metadata:
  team: core
---
You are solver. Work through the task you are given step by step.
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(solverDefinition))
	require.NoError(t, err)

	assert.Equal(t, "solver", def.Config.Name)
	assert.Equal(t, "Solves well-scoped tasks on request.", def.Config.Description)
	assert.Equal(t, []string{"read_file"}, def.Config.Capabilities)
	assert.Equal(t, "core", def.Config.Metadata["team"])
	assert.Equal(t, "You are solver. Work through the task you are given step by step.", def.Body)
}

func TestParseDefinitionErrors(t *testing.T) {
	_, err := ParseDefinition([]byte("no front matter here"))
	require.Error(t, err)

	_, err = ParseDefinition([]byte("---\nname: x\nno terminator"))
	require.Error(t, err)

	_, err = ParseDefinition([]byte("---\ndescription: nameless\n---\nbody"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestLoadDirIsolatesFailures(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "solver.md"), []byte(solverDefinition), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"), []byte("---\nname: [unclosed\n---\nbody"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helper.md"), []byte("---\nname: helper\ndescription: Helps.\n---\nYou are helper.\n"), 0o644))

	registry := capability.NewRegistry()
	entities, report := LoadDir(dir, registry, chat.NewScriptedCompleter())

	assert.ElementsMatch(t, []string{"solver", "helper"}, report.Loaded)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0].Source, "broken.md")
	assert.False(t, report.OK())

	require.Len(t, entities, 2)
	assert.True(t, registry.Exists("solver"))
	assert.True(t, registry.Exists("helper"))

	descs := registry.List(capability.KindEntity)
	require.Len(t, descs, 2)
}

func TestLoadDirDuplicateNameFailsSecond(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("---\nname: twin\ndescription: First.\n---\nbody a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("---\nname: twin\ndescription: Second.\n---\nbody b\n"), 0o644))

	registry := capability.NewRegistry()
	entities, report := LoadDir(dir, registry, chat.NewScriptedCompleter())

	require.Len(t, entities, 1)
	assert.Equal(t, []string{"twin"}, report.Loaded)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0].Source, "b.md")
}
