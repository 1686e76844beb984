// Package config provides configuration management for the FDB server and
// client.
//
// The package supports configuration through multiple sources with the
// following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables
//  3. Configuration file (any format viper understands)
//  4. Default values (lowest priority)
//
// Server Configuration:
//   - Listener address and connection limit
//   - Data directory, record file extension and compression
//   - Cache size, flush interval and disk worker count
//   - Timeouts, logging and the metrics endpoint
//
// Client Configuration:
//   - Server address and connection pool size
//   - Timeouts and retry policy
//
// Example server usage:
//
//	cfg, err := config.LoadServerConfig(os.Args[1:])
//	if err != nil {
//		log.Fatal(err)
//	}
//	eng, err := engine.Open(cfg.EngineOptions(logger))
//
// Environment variables are prefixed with "FDB_" for the server and
// "FDB_CLIENT_" for the client and use uppercase key names. For example, the
// cache size can be set with FDB_CACHE_SIZE=50000.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fdbkv/fdb/pkg/engine"
)

// Default server configuration constants
const (
	DefaultHost            = "localhost"
	DefaultPort            = 6380
	DefaultMaxConnections  = 100
	DefaultDataDir         = "./fdb_data"
	DefaultFileExtension   = ".fdb"
	DefaultCacheSize       = 10000
	DefaultFlushInterval   = 5.0
	DefaultMaxWorkers      = 4
	DefaultCompression     = true
	DefaultReadTimeout     = 300.0
	DefaultWriteTimeout    = 10.0
	DefaultShutdownTimeout = 30.0
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
)

// Default client configuration constants
const (
	DefaultClientAddr       = "localhost:6380"
	DefaultMaxConns         = 10
	DefaultConnTimeoutSecs  = 5
	DefaultReadTimeoutSecs  = 30
	DefaultWriteTimeoutSecs = 10
	DefaultRetryAttempts    = 3
)

const (
	serverEnvPrefix = "FDB"
	clientEnvPrefix = "FDB_CLIENT"
)

// ServerConfig holds all configuration options for an FDB server process.
// Durations are expressed in seconds and may be fractional.
//
// Example:
//
//	cfg := &ServerConfig{Host: "0.0.0.0", Port: 6380, CacheSize: 50000}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
type ServerConfig struct {
	Host            string  // Host address to bind to
	DataDir         string  // Root directory for record files
	FileExtension   string  // Record file extension
	LogLevel        string  // debug, info, warn or error
	LogFormat       string  // json or console
	MetricsAddr     string  // Prometheus listener; empty disables
	ConfigFile      string  // File the values were read from, if any
	Port            int     // TCP port to listen on
	MaxConnections  int     // Simultaneous connection limit
	CacheSize       int     // Maximum resident cache entries
	MaxWorkers      int     // Disk worker count
	FlushInterval   float64 // Seconds between background flushes
	ReadTimeout     float64 // Idle seconds allowed between commands
	WriteTimeout    float64 // Seconds allowed to write a response
	ShutdownTimeout float64 // Seconds allowed for the shutdown drain
	Compression     bool    // Compress new records with zstd
}

// ClientConfig holds the options for an FDB client.
//
// Example:
//
//	cfg := config.LoadClientConfig()
//	cfg.Addr = "db.internal:6380"
//	c, err := client.NewWithConfig(cfg)
type ClientConfig struct {
	Addr          string // Server address (default: "localhost:6380")
	MaxConns      int    // Pooled connections (default: 10)
	ConnTimeout   int    // Dial timeout in seconds (default: 5)
	ReadTimeout   int    // Read timeout in seconds (default: 30)
	WriteTimeout  int    // Write timeout in seconds (default: 10)
	RetryAttempts int    // Retries on transport failures (default: 3)
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("max_connections", DefaultMaxConnections)
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("file_extension", DefaultFileExtension)
	v.SetDefault("cache_size", DefaultCacheSize)
	v.SetDefault("flush_interval", DefaultFlushInterval)
	v.SetDefault("max_workers", DefaultMaxWorkers)
	v.SetDefault("compression", DefaultCompression)
	v.SetDefault("read_timeout", DefaultReadTimeout)
	v.SetDefault("write_timeout", DefaultWriteTimeout)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", DefaultLogFormat)
	v.SetDefault("metrics_addr", "")
}

// NewServerFlagSet returns the command-line flags understood by
// LoadServerConfig. Flag names use dashes; the matching configuration keys
// use underscores.
func NewServerFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "Configuration file (yaml, toml, json, ...)")
	fs.String("host", DefaultHost, "Host address to bind to")
	fs.Int("port", DefaultPort, "TCP port to listen on")
	fs.Int("max-connections", DefaultMaxConnections, "Maximum simultaneous client connections")
	fs.String("data-dir", DefaultDataDir, "Directory holding record files")
	fs.String("file-extension", DefaultFileExtension, "Record file extension")
	fs.Int("cache-size", DefaultCacheSize, "Maximum number of cached entries")
	fs.Float64("flush-interval", DefaultFlushInterval, "Seconds between background flushes")
	fs.Int("max-workers", DefaultMaxWorkers, "Number of disk I/O workers")
	fs.Bool("compression", DefaultCompression, "Compress records with zstd")
	fs.Float64("read-timeout", DefaultReadTimeout, "Idle seconds allowed between commands")
	fs.Float64("write-timeout", DefaultWriteTimeout, "Seconds allowed to write one response")
	fs.Float64("shutdown-timeout", DefaultShutdownTimeout, "Seconds allowed to drain on shutdown")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	fs.String("log-format", DefaultLogFormat, "Log format (json, console)")
	fs.String("metrics-addr", "", "Address for the Prometheus /metrics endpoint; empty disables it")
	return fs
}

// LoadServerConfig builds a ServerConfig from command-line arguments, FDB_*
// environment variables, an optional --config file and defaults, then
// validates it.
//
// Environment variables:
//
//	FDB_HOST, FDB_PORT, FDB_MAX_CONNECTIONS, FDB_DATA_DIR, FDB_FILE_EXTENSION,
//	FDB_CACHE_SIZE, FDB_FLUSH_INTERVAL, FDB_MAX_WORKERS, FDB_COMPRESSION,
//	FDB_READ_TIMEOUT, FDB_WRITE_TIMEOUT, FDB_SHUTDOWN_TIMEOUT,
//	FDB_LOG_LEVEL, FDB_LOG_FORMAT, FDB_METRICS_ADDR
//
// Example:
//
//	cfg, err := config.LoadServerConfig([]string{"--port", "7000", "--cache-size", "500"})
//
// Returns:
//   - ServerConfig with values loaded from all sources
//   - Error if the arguments, the file or the resulting values are invalid
func LoadServerConfig(args []string) (*ServerConfig, error) {
	fs := NewServerFlagSet("fdb-server")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setServerDefaults(v)
	v.SetEnvPrefix(serverEnvPrefix)
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		bindErr = multierr.Append(bindErr, v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f))
	})
	if bindErr != nil {
		return nil, bindErr
	}

	path, _ := fs.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &ServerConfig{
		Host:            v.GetString("host"),
		Port:            v.GetInt("port"),
		MaxConnections:  v.GetInt("max_connections"),
		DataDir:         v.GetString("data_dir"),
		FileExtension:   v.GetString("file_extension"),
		CacheSize:       v.GetInt("cache_size"),
		FlushInterval:   v.GetFloat64("flush_interval"),
		MaxWorkers:      v.GetInt("max_workers"),
		Compression:     v.GetBool("compression"),
		ReadTimeout:     v.GetFloat64("read_timeout"),
		WriteTimeout:    v.GetFloat64("write_timeout"),
		ShutdownTimeout: v.GetFloat64("shutdown_timeout"),
		LogLevel:        strings.ToLower(v.GetString("log_level")),
		LogFormat:       strings.ToLower(v.GetString("log_format")),
		MetricsAddr:     v.GetString("metrics_addr"),
		ConfigFile:      path,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig creates a ClientConfig from FDB_CLIENT_* environment
// variables, with sensible defaults.
//
// Environment variables:
//
//	FDB_CLIENT_ADDR: Server address
//	FDB_CLIENT_MAX_CONNS: Pooled connections
//	FDB_CLIENT_CONN_TIMEOUT: Dial timeout in seconds
//	FDB_CLIENT_READ_TIMEOUT: Read timeout in seconds
//	FDB_CLIENT_WRITE_TIMEOUT: Write timeout in seconds
//	FDB_CLIENT_RETRY_ATTEMPTS: Number of retry attempts
//
// Returns:
//   - ClientConfig with values loaded from environment variables and defaults
func LoadClientConfig() *ClientConfig {
	v := viper.New()
	v.SetDefault("addr", DefaultClientAddr)
	v.SetDefault("max_conns", DefaultMaxConns)
	v.SetDefault("conn_timeout", DefaultConnTimeoutSecs)
	v.SetDefault("read_timeout", DefaultReadTimeoutSecs)
	v.SetDefault("write_timeout", DefaultWriteTimeoutSecs)
	v.SetDefault("retry_attempts", DefaultRetryAttempts)
	v.SetEnvPrefix(clientEnvPrefix)
	v.AutomaticEnv()

	return &ClientConfig{
		Addr:          strings.TrimSpace(v.GetString("addr")),
		MaxConns:      v.GetInt("max_conns"),
		ConnTimeout:   v.GetInt("conn_timeout"),
		ReadTimeout:   v.GetInt("read_timeout"),
		WriteTimeout:  v.GetInt("write_timeout"),
		RetryAttempts: v.GetInt("retry_attempts"),
	}
}

// Address returns the host:port the server binds to.
//
// Example:
//
//	cfg := &ServerConfig{Host: "0.0.0.0", Port: 6380}
//	addr := cfg.Address() // Returns "0.0.0.0:6380"
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// EngineOptions converts the storage settings into engine.Options.
func (c *ServerConfig) EngineOptions(log *zap.Logger) engine.Options {
	return engine.Options{
		Logger:          log,
		DataDir:         c.DataDir,
		FileExtension:   c.FileExtension,
		CacheSize:       c.CacheSize,
		FlushInterval:   Seconds(c.FlushInterval),
		MaxWorkers:      c.MaxWorkers,
		Compression:     c.Compression,
		ShutdownTimeout: Seconds(c.ShutdownTimeout),
	}
}

// Seconds converts fractional seconds into a time.Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Validate checks if the ServerConfig contains valid values.
//
// Validation rules:
//   - Port must be between 1 and 65535
//   - MaxConnections, CacheSize and MaxWorkers must be positive
//   - DataDir must be set and FileExtension must start with a dot
//   - FlushInterval and all timeouts must be positive
//   - LogLevel must be one of: debug, info, warn, error
//   - LogFormat must be json or console
//
// Returns:
//   - nil if configuration is valid
//   - Error describing the first validation failure found
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max connections must be positive: %d", c.MaxConnections)
	}
	if c.DataDir == "" {
		return errors.New("data directory must be set")
	}
	if len(c.FileExtension) < 2 || c.FileExtension[0] != '.' || strings.ContainsAny(c.FileExtension, `/\`) {
		return fmt.Errorf("invalid file extension: %q", c.FileExtension)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("cache size must be positive: %d", c.CacheSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive: %g", c.FlushInterval)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be positive: %d", c.MaxWorkers)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive: %g", c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive: %g", c.WriteTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive: %g", c.ShutdownTimeout)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	return nil
}

// Validate checks if the ClientConfig contains valid values.
//
// Validation rules:
//   - Addr must be a host:port address
//   - MaxConns must be positive
//   - All timeout values must be positive
//   - RetryAttempts must be non-negative
func (c *ClientConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("invalid server address %q: %w", c.Addr, err)
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("max connections must be positive: %d", c.MaxConns)
	}
	if c.ConnTimeout < 1 {
		return fmt.Errorf("connection timeout must be positive: %d", c.ConnTimeout)
	}
	if c.ReadTimeout < 1 {
		return fmt.Errorf("read timeout must be positive: %d", c.ReadTimeout)
	}
	if c.WriteTimeout < 1 {
		return fmt.Errorf("write timeout must be positive: %d", c.WriteTimeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must be non-negative: %d", c.RetryAttempts)
	}
	return nil
}
