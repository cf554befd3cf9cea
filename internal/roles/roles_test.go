package roles

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabot/collabot/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewRegistry(log)
}

func writeRoleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestBuiltinRoles(t *testing.T) {
	reg := newTestRegistry(t)

	for _, name := range []string{"worker", "planner", "reviewer", "chat"} {
		role, err := reg.Get(name)
		require.NoError(t, err, "built-in role %s", name)
		assert.NotEmpty(t, role.Prompt)
		assert.NotEmpty(t, role.Description)
	}

	worker, _ := reg.Get("worker")
	assert.Equal(t, CategoryCoding, worker.Category)
	assert.False(t, worker.Can(PermissionDraftAgents))

	planner, _ := reg.Get("planner")
	assert.Equal(t, CategoryResearch, planner.Category)
	assert.True(t, planner.Can(PermissionDraftAgents))

	chat, _ := reg.Get("chat")
	assert.Equal(t, CategoryConversational, chat.Category)
}

func TestGetUnknownRole(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Get("archaeologist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRoleNotFound))
}

func TestLoadDirOverridesAndAdds(t *testing.T) {
	reg := newTestRegistry(t)
	dir := t.TempDir()

	writeRoleFile(t, dir, "worker.yaml", `
name: worker
category: coding
model: smart
prompt: Custom worker instructions.
`)
	writeRoleFile(t, dir, "security-auditor.yml", `
name: security-auditor
description: Audits changes for vulnerabilities
category: coding
model: smart
prompt: Look for injection and authz issues.
`)
	writeRoleFile(t, dir, "notes.txt", "not a role")

	require.NoError(t, reg.LoadDir(dir))

	worker, err := reg.Get("worker")
	require.NoError(t, err)
	assert.Equal(t, "smart", worker.Model)
	assert.Equal(t, "Custom worker instructions.\n", worker.Prompt)

	auditor, err := reg.Get("security-auditor")
	require.NoError(t, err)
	assert.Equal(t, CategoryCoding, auditor.Category)
}

func TestLoadDirSkipsInvalidFiles(t *testing.T) {
	reg := newTestRegistry(t)
	dir := t.TempDir()

	writeRoleFile(t, dir, "broken.yaml", "category: [not, a, string]")
	writeRoleFile(t, dir, "badcat.yaml", `
name: badcat
category: interpretive-dance
`)
	writeRoleFile(t, dir, "ok.yaml", `
name: ok
prompt: Fine.
`)

	require.NoError(t, reg.LoadDir(dir))

	assert.False(t, reg.Exists("badcat"))
	assert.True(t, reg.Exists("ok"))
}

func TestLoadDirMissingDirectory(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.LoadDir(filepath.Join(t.TempDir(), "does-not-exist")))
}

func TestRoleNameFallsBackToFilename(t *testing.T) {
	reg := newTestRegistry(t)
	dir := t.TempDir()

	writeRoleFile(t, dir, "migrator.yaml", `
category: coding
prompt: Run schema migrations safely.
`)

	require.NoError(t, reg.LoadDir(dir))
	assert.True(t, reg.Exists("migrator"))
}

func TestRegisterValidation(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.Register(&Role{Name: "worker"})
	require.Error(t, err, "duplicate of built-in")

	err = reg.Register(&Role{Name: "has space"})
	require.Error(t, err)

	err = reg.Register(&Role{Name: "x", Permissions: []Permission{"launch_missiles"}})
	require.Error(t, err)

	err = reg.Register(&Role{Name: "archivist", Prompt: "Archive things."})
	require.NoError(t, err)
	role, err := reg.Get("archivist")
	require.NoError(t, err)
	assert.Equal(t, CategoryCoding, role.Category, "category defaults to coding")
}

func TestListSorted(t *testing.T) {
	reg := newTestRegistry(t)

	list := reg.List()
	require.GreaterOrEqual(t, len(list), 4)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Name, list[i].Name)
	}
}
