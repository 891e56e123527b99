package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
builtin:
  - id: offworld
    title: Offworld
external:
  - id: meadow
    title: Meadow
    payload: https://cdn.example.com/envs/meadow.zip
  - id: winter
    title: Winter
    value: winter_v2
    payload: https://cdn.example.com/envs/winter.zip
`

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)

	require.Len(t, catalog.Builtin, 1)
	require.Len(t, catalog.External, 2)
	assert.Equal(t, "offworld", catalog.Builtin[0].ID)
	assert.Equal(t, "https://cdn.example.com/envs/meadow.zip", catalog.External[0].Payload)
	assert.Equal(t, "winter_v2", catalog.External[1].Key())
	assert.Equal(t, Fingerprint([]byte(sampleCatalog)), catalog.Fingerprint())
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name:    "duplicate id",
			yaml:    "builtin:\n  - id: a\nexternal:\n  - id: a\n    payload: https://x.example/a.zip\n",
			wantErr: ErrDuplicateEnvironment,
		},
		{
			name:    "missing payload",
			yaml:    "external:\n  - id: a\n",
			wantErr: ErrMissingPayload,
		},
		{
			name:    "relative payload",
			yaml:    "external:\n  - id: a\n    payload: envs/a.zip\n",
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "shared payload",
			yaml:    "external:\n  - id: a\n    payload: https://x.example/env.zip\n  - id: b\n    payload: https://x.example/env.zip\n",
			wantErr: ErrDuplicatePayload,
		},
		{
			name:    "shared directory",
			yaml:    "external:\n  - id: a\n    value: meadow\n    payload: https://x.example/a.zip\n  - id: b\n    value: meadow\n    payload: https://x.example/b.zip\n",
			wantErr: ErrDuplicateKey,
		},
		{
			name:    "value equal to another id",
			yaml:    "external:\n  - id: meadow\n    payload: https://x.example/a.zip\n  - id: b\n    value: meadow\n    payload: https://x.example/b.zip\n",
			wantErr: ErrDuplicateKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestParseCatalog_UnknownField(t *testing.T) {
	_, err := ParseCatalog([]byte("builtin:\n  - id: a\n    colour: red\n"))
	assert.Error(t, err)
}

func TestParseCatalog_PathEscape(t *testing.T) {
	_, err := ParseCatalog([]byte("external:\n  - id: a\n    value: ../../etc\n    payload: https://x.example/a.zip\n"))
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, catalog.External, 2)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultCatalog(t *testing.T) {
	catalog := DefaultCatalog()
	require.NoError(t, catalog.Validate())
	assert.NotEmpty(t, catalog.Builtin)
	assert.Empty(t, catalog.External)
}
