package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	_, err := Load("")
	require.Error(t, err) // data_dir still unset, and Load validates

	t.Setenv("NEXUS_DATA_DIR", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().PageSizeBytes, cfg.PageSizeBytes)
	assert.Equal(t, Defaults().HnswDefaultMetric, cfg.HnswDefaultMetric)
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsYamlFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\npage_cache_capacity: 128\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 128, cfg.PageCacheCapacity)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsNonPowerOfTwoPageSize(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = t.TempDir()
	cfg.PageSizeBytes = 8000
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownMetric(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = t.TempDir()
	cfg.HnswDefaultMetric = "manhattan"
	require.Error(t, cfg.Validate())
}

func TestIsBootstrapKey(t *testing.T) {
	assert.True(t, IsBootstrapKey("data_dir"))
	assert.True(t, IsBootstrapKey("PAGE_SIZE_BYTES"))
	assert.False(t, IsBootstrapKey("gc_interval_seconds"))
}

func TestYAMLRoundTripsScalarFields(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = "/var/lib/nexus"
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "data_dir: /var/lib/nexus")
	assert.Contains(t, out, "hnsw_default_metric: cosine")
}

func TestWatchMutableFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\ngc_interval_seconds: 30\n"), 0o600))

	changes := make(chan Config, 1)
	stop, err := WatchMutable(path, func(c Config) { changes <- c }, nil)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\ngc_interval_seconds: 45\n"), 0o600))

	select {
	case c := <-changes:
		assert.Equal(t, 45, c.GcIntervalSeconds)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}
}
