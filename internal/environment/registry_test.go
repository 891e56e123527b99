package environment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/vrenv/internal/config"
	"github.com/ytget/vrenv/internal/model"
)

const meadowPayload = "https://assets.example.com/envs/meadow.zip"

func testCatalog() *config.Catalog {
	return &config.Catalog{
		Builtin: []model.Environment{
			{ID: "offworld", Title: "Offworld"},
			{ID: "void", Title: "Void"},
		},
		External: []model.Environment{
			{ID: "meadow", Title: "Meadow", Payload: meadowPayload},
			{ID: "cave", Title: "Cave", Payload: "https://assets.example.com/envs/cave.zip", Value: "cave_v2"},
		},
	}
}

func TestRegistry_Builtin(t *testing.T) {
	r := NewRegistry(t.TempDir(), testCatalog())

	tests := []struct {
		id      string
		builtin bool
		path    string
	}{
		{"offworld", true, "cubemap/offworld"},
		{"void", true, "cubemap/void"},
		{"meadow", false, ""},
		{"missing", false, ""},
	}

	for _, test := range tests {
		if got := r.IsBuiltin(test.id); got != test.builtin {
			t.Errorf("IsBuiltin(%q) = %v, expected %v", test.id, got, test.builtin)
		}
		if got := r.BuiltinPath(test.id); got != test.path {
			t.Errorf("BuiltinPath(%q) = %q, expected %q", test.id, got, test.path)
		}
	}
}

func TestRegistry_ExternalLookup(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry(root, testCatalog())

	env, ok := r.ExternalByID("cave")
	require.True(t, ok)
	assert.Equal(t, "cave_v2", env.Key())

	byPayload, ok := r.ExternalByPayload(meadowPayload)
	require.True(t, ok)
	assert.Equal(t, "meadow", byPayload.ID)

	_, ok = r.ExternalByPayload("https://elsewhere.example.com/x.zip")
	assert.False(t, ok)
	_, ok = r.ExternalByID("offworld")
	assert.False(t, ok)

	dir, err := r.EnvPath(env)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "environments", "cave_v2"), dir)

	assert.False(t, r.IsExternalReady(env))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	assert.True(t, r.IsExternalReady(env))
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(t.TempDir(), testCatalog())

	r.Replace(&config.Catalog{
		Builtin:  []model.Environment{{ID: "offworld"}},
		External: []model.Environment{{ID: "dunes", Payload: "https://assets.example.com/envs/dunes.zip"}},
	})

	_, ok := r.ExternalByID("meadow")
	assert.False(t, ok)
	_, ok = r.ExternalByID("dunes")
	assert.True(t, ok)
	assert.False(t, r.IsBuiltin("void"))
	assert.Len(t, r.Externals(), 1)

	r.Replace(nil)
	assert.True(t, r.IsBuiltin("void"))
	assert.Empty(t, r.Externals())
}
