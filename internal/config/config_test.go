package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cacheFirst", cfg.FetchPolicy)
	assert.True(t, cfg.PaginationEnabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexusstore.yaml")
	body := `
fetch_policy: networkOnly
backends:
  widgets:
    kind: sql
    table_name: widgets
    path: /tmp/widgets.db
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "networkOnly", cfg.FetchPolicy)
	assert.True(t, cfg.PaginationEnabled, "expected PaginationEnabled to keep its default (not set in file)")

	backend, ok := cfg.Backends["widgets"]
	require.True(t, ok, "expected widgets backend to be present")
	assert.Equal(t, "id", backend.IDColumn)
	assert.Equal(t, "widgets", backend.TableName)
}

func TestLoadEnvOverlayOverridesDefault(t *testing.T) {
	t.Setenv("NEXUSSTORE_FETCH_POLICY", "cacheOnly")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cacheOnly", cfg.FetchPolicy)
}

func TestLoadRejectsInvalidFetchPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch_policy: not-a-real-policy\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err, "expected validation error for unrecognized fetch_policy")
}

func TestLoadRejectsBackendMissingTableName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	body := `
backends:
  widgets:
    kind: sql
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	_, err := Load(path)
	assert.Error(t, err, "expected validation error for missing table_name")
}

func TestDumpRoundTripsThroughYAML(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	out, err := Dump(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.FetchPolicy, back.FetchPolicy)
	assert.Equal(t, cfg.PaginationEnabled, back.PaginationEnabled)
	assert.Equal(t, cfg.Logging.Level, back.Logging.Level)
}
