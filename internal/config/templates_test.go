package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
)

func TestListScaffolds(t *testing.T) {
	t.Parallel()

	names, err := ListScaffolds()
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "delegated"}, names)
	assert.True(t, ScaffoldExists("default"))
	assert.False(t, ScaffoldExists("nope"))
}

func TestRenderScaffold(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"default", "delegated"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			written, err := RenderScaffold(name, dir, ScaffoldVars{ProjectName: "demo", StoreBackend: StoreFile}, false)
			require.NoError(t, err)
			assert.Len(t, written, 2)

			cfg, md, err := LoadFromFile(filepath.Join(dir, ConfigFileName))
			require.NoError(t, err)
			assert.Empty(t, md.Undecoded())
			assert.Equal(t, StoreFile, cfg.Store.Backend)
			assert.Equal(t, name == "delegated", cfg.Bridge.Enabled)

			cfg.Catalog.Path = filepath.Join(dir, cfg.Catalog.Path)
			assert.False(t, Validate(cfg, &md).HasErrors())

			cat, err := catalog.Load(cfg.Catalog.Path, nil)
			require.NoError(t, err)
			assert.Equal(t, "demo", cat.Name)
			assert.Empty(t, catalog.Lint(cat, nil).Errors)
		})
	}
}

func TestRenderScaffold_SkipsExistingUnlessForced(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	existing := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(existing, []byte("# mine\n"), 0o600))

	written, err := RenderScaffold("default", dir, ScaffoldVars{ProjectName: "demo"}, false)
	require.NoError(t, err)
	assert.NotContains(t, written, existing)
	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "# mine\n", string(data))

	written, err = RenderScaffold("default", dir, ScaffoldVars{ProjectName: "demo"}, true)
	require.NoError(t, err)
	assert.Contains(t, written, existing)

	_, err = RenderScaffold("missing", dir, ScaffoldVars{}, false)
	assert.Error(t, err)
}
