package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60000, cfg.Ensemble.SessionTimeoutMs)
	assert.Equal(t, RetryExponentialBackoff, cfg.Ensemble.Retry.Type)
	assert.Equal(t, 1024, cfg.Threads.WorkQueueSize)
}

func TestWriteDefaultParsesBack(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteDefault(buf))
	assert.Contains(t, buf.String(), "[ensemble.retry]")

	cfg, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/coord.toml", []byte(`
[ensemble]
servers = ["embedded"]
namespace = "apps"

[ensemble.retry]
type = "fixed"
retry_count = 5

[threads]
core_pool_size = 2

[election]
enabled = true
path = "/leader"
`), 0o644))

	cfg, err := LoadFile(fs, "/etc/coord.toml")
	require.NoError(t, err)
	assert.Equal(t, "apps", cfg.Ensemble.Namespace)
	assert.Equal(t, 60000, cfg.Ensemble.SessionTimeoutMs)
	assert.Equal(t, RetryFixed, cfg.Ensemble.Retry.Type)
	assert.Equal(t, 5, cfg.Ensemble.Retry.RetryCount)
	assert.Equal(t, 1000, cfg.Ensemble.Retry.SleepMsBetweenRetries)
	assert.Equal(t, 2, cfg.Threads.CorePoolSize)
	assert.True(t, cfg.Election.Enabled)

	embedded, dir := cfg.Ensemble.Embedded()
	assert.True(t, embedded)
	assert.Empty(t, dir)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(afero.NewMemMapFs(), "/nope.toml")
	assert.Error(t, err)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Ensemble.Namespace = " "
	cfg.Ensemble.SessionTimeoutMs = 0
	cfg.Ensemble.Retry.Type = "sometimes"
	cfg.Serializer.Type = "kryo"
	cfg.Election.Enabled = true
	cfg.Election.Path = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	for _, fragment := range []string{"namespace", "session timeout", "retry type", "serializer", "election path"} {
		assert.Contains(t, err.Error(), fragment)
	}
}

func TestEmbeddedWithDataDir(t *testing.T) {
	e := EnsembleConfig{Servers: []string{"embedded:/var/lib/coord"}}
	embedded, dir := e.Embedded()
	assert.True(t, embedded)
	assert.Equal(t, "/var/lib/coord", dir)

	e = EnsembleConfig{Servers: []string{"zk1:2181", "zk2:2181"}}
	embedded, _ = e.Embedded()
	assert.False(t, embedded)
}

func TestMergeDefault(t *testing.T) {
	cfg := &CoordConfig{}
	cfg.MergeDefault()
	assert.Equal(t, []string{"127.0.0.1:2181"}, cfg.Ensemble.Servers)
	assert.Equal(t, cfg.Threads.CorePoolSize, cfg.Threads.MaximumPoolSize)
	assert.Equal(t, "cbor", cfg.Serializer.Type)
}
