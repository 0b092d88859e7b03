package kernconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.jsonc"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernctl.jsonc")
	contents := `{
		// trailing commas and comments are fine, it's JSONC
		"ncpu": 16,
		"disk_dir": "/tmp/disk",
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.NCPU)
	assert.Equal(t, "/tmp/disk", cfg.DiskDir)
	assert.Equal(t, Default().PageSize, cfg.PageSize)
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{ not json `), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoadRejectsEvenBucketCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "even.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"nbuckets": 12}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyFlagsOnlyOverridesSetFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--ncpu=4"}))

	cfg := ApplyFlags(Default(), fs)
	assert.Equal(t, 4, cfg.NCPU)
	assert.Equal(t, Default().PageSize, cfg.PageSize)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonc")

	want := Default()
	want.NCPU = 3
	want.JaegerEndpoint = "http://localhost:14268/api/traces"

	require.NoError(t, Save(want, path))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	bad := Default()
	bad.NBuckets = 4
	err := Save(bad, filepath.Join(dir, "bad.jsonc"))
	require.Error(t, err)
}
