package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6380, cfg.Port)
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.Equal(t, "./fdb_data", cfg.DataDir)
	assert.Equal(t, ".fdb", cfg.FileExtension)
	assert.Equal(t, 10000, cfg.CacheSize)
	assert.Equal(t, 5.0, cfg.FlushInterval)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.True(t, cfg.Compression)
	assert.Equal(t, "localhost:6380", cfg.Address())
}

func TestLoadServerConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "fdb.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
port: 7000
cache_size: 500
flush_interval: 0.5
data_dir: /var/lib/fdb
compression: false
`), 0o644))

	t.Setenv("FDB_CACHE_SIZE", "800")
	t.Setenv("FDB_MAX_WORKERS", "16")

	cfg, err := LoadServerConfig([]string{"--config", file, "--max-workers", "2", "--host", "0.0.0.0"})
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port, "from file")
	assert.Equal(t, 800, cfg.CacheSize, "env beats file")
	assert.Equal(t, 2, cfg.MaxWorkers, "flag beats env")
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "/var/lib/fdb", cfg.DataDir)
	assert.False(t, cfg.Compression)
	assert.Equal(t, file, cfg.ConfigFile)

	opts := cfg.EngineOptions(nil)
	assert.Equal(t, 500*time.Millisecond, opts.FlushInterval)
	assert.Equal(t, 800, opts.CacheSize)
	assert.Equal(t, 30*time.Second, opts.ShutdownTimeout)
}

func TestLoadServerConfigErrors(t *testing.T) {
	_, err := LoadServerConfig([]string{"--no-such-flag"})
	assert.Error(t, err)

	_, err = LoadServerConfig([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	_, err = LoadServerConfig([]string{"--cache-size", "0"})
	assert.Error(t, err)

	t.Setenv("FDB_PORT", "70000")
	_, err = LoadServerConfig(nil)
	assert.Error(t, err)
}

func TestServerConfigValidate(t *testing.T) {
	valid := func() *ServerConfig {
		cfg, err := LoadServerConfig(nil)
		require.NoError(t, err)
		return cfg
	}

	cases := map[string]func(*ServerConfig){
		"port":            func(c *ServerConfig) { c.Port = 0 },
		"max connections": func(c *ServerConfig) { c.MaxConnections = 0 },
		"data dir":        func(c *ServerConfig) { c.DataDir = "" },
		"extension":       func(c *ServerConfig) { c.FileExtension = "fdb" },
		"extension path":  func(c *ServerConfig) { c.FileExtension = "./x" },
		"cache size":      func(c *ServerConfig) { c.CacheSize = -1 },
		"flush interval":  func(c *ServerConfig) { c.FlushInterval = 0 },
		"workers":         func(c *ServerConfig) { c.MaxWorkers = 0 },
		"read timeout":    func(c *ServerConfig) { c.ReadTimeout = 0 },
		"write timeout":   func(c *ServerConfig) { c.WriteTimeout = -1 },
		"shutdown":        func(c *ServerConfig) { c.ShutdownTimeout = 0 },
		"log level":       func(c *ServerConfig) { c.LogLevel = "verbose" },
		"log format":      func(c *ServerConfig) { c.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	cfg := LoadClientConfig()
	assert.Equal(t, DefaultClientAddr, cfg.Addr)
	assert.Equal(t, DefaultMaxConns, cfg.MaxConns)
	assert.NoError(t, cfg.Validate())

	t.Setenv("FDB_CLIENT_ADDR", "db:7000")
	t.Setenv("FDB_CLIENT_MAX_CONNS", "3")
	cfg = LoadClientConfig()
	assert.Equal(t, "db:7000", cfg.Addr)
	assert.Equal(t, 3, cfg.MaxConns)

	cfg.Addr = "no-port"
	assert.Error(t, cfg.Validate())
	cfg.Addr = "db:7000"
	cfg.RetryAttempts = -1
	assert.Error(t, cfg.Validate())
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Seconds(1.5))
	assert.Equal(t, time.Duration(0), Seconds(0))
}
