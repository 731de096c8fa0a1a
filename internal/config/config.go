package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Config holds all configuration for the romfetch service
type Config struct {
	// Server configuration
	Host string
	Port int
	Addr string // computed from Host:Port

	RateLimit int // API requests per minute per client IP

	// File system
	DBPath             string // user-provided
	AbsDBPath          string // resolved/absolute path
	DefaultDownloadDir string // used while no override is saved
	SourcesPath        string // optional YAML file with catalog sources

	// Download behavior
	Workers          int           // global cap on in-flight chunk transfers
	Chunks           int           // target chunks per job
	MinSplitSize     int64         // below this a job is fetched as one chunk
	MaxAttempts      int           // per chunk, including the first try
	RetryBackoff     time.Duration // first retry delay, doubled per attempt
	RetryMaxBackoff  time.Duration
	ChunkTimeout     time.Duration // inactivity timeout per attempt
	ProgressInterval time.Duration // minimum gap between progress events
	BandwidthLimit   int64         // bytes/s across all jobs, 0 disables
	ProbeURL         string
	ProbeTimeout     time.Duration

	// Catalog
	SyncOnStart  bool
	SyncInterval time.Duration
	SyncTimeout  time.Duration // per source fetch

	// Logging
	LogLevel string // debug|info|warn|error

	Version   string
	StartTime time.Time
}

// New creates a Config with default values
func New() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             8787,
		RateLimit:        300,
		Workers:          8,
		Chunks:           4,
		MinSplitSize:     1 << 20,
		MaxAttempts:      4,
		RetryBackoff:     500 * time.Millisecond,
		RetryMaxBackoff:  8 * time.Second,
		ChunkTimeout:     30 * time.Second,
		ProgressInterval: 150 * time.Millisecond,
		ProbeURL:         "https://myrient.erista.me/",
		ProbeTimeout:     5 * time.Second,
		SyncOnStart:      true,
		SyncTimeout:      60 * time.Second,
		LogLevel:         "info",
		StartTime:        time.Now(),
		Version:          "1.0.0",
	}
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit: %d", c.RateLimit)
	}

	if c.Workers < 1 {
		c.Workers = runtime.NumCPU()
		if c.Workers < 1 {
			c.Workers = 1
		}
	}
	if c.Chunks < 1 {
		c.Chunks = 4
	}
	if c.MinSplitSize < 0 {
		return fmt.Errorf("invalid min split size: %d", c.MinSplitSize)
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.RetryBackoff < 0 || c.RetryMaxBackoff < 0 {
		return fmt.Errorf("invalid retry backoff: %s/%s", c.RetryBackoff, c.RetryMaxBackoff)
	}
	if c.RetryMaxBackoff > 0 && c.RetryMaxBackoff < c.RetryBackoff {
		c.RetryMaxBackoff = c.RetryBackoff
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 150 * time.Millisecond
	}
	if c.BandwidthLimit < 0 {
		return fmt.Errorf("invalid bandwidth limit: %d", c.BandwidthLimit)
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("invalid sync interval: %s", c.SyncInterval)
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 60 * time.Second
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	c.LogLevel = strings.ToLower(c.LogLevel)
	valid := false
	for _, level := range validLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level: %s (must be debug|info|warn|error)", c.LogLevel)
	}

	c.Addr = c.ComputeAddr()

	return nil
}

// ResolveDownloadDir expands the default download directory and resolves it
// to an absolute path. If empty, defaults to $HOME/Downloads/Roms
func (c *Config) ResolveDownloadDir() error {
	if c.DefaultDownloadDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home directory: %w", err)
		}
		c.DefaultDownloadDir = filepath.Join(home, "Downloads", "Roms")
	}
	abs, err := ExpandPath(c.DefaultDownloadDir)
	if err != nil {
		return err
	}
	c.DefaultDownloadDir = abs
	return nil
}

// ResolveDBPath expands the database path and resolves it to an absolute path
// If empty, defaults to OS cache directory
func (c *Config) ResolveDBPath() error {
	if c.DBPath == "" {
		c.DBPath = defaultCacheDBPath()
	}
	abs, err := ExpandPath(c.DBPath)
	if err != nil {
		return err
	}
	c.AbsDBPath = abs
	return nil
}

// ExpandPath expands a leading ~ and returns the absolute form of p.
func ExpandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		p = filepath.Join(home, p[2:])
	} else if p == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		p = home
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %s: %w", p, err)
	}
	return abs, nil
}

// ComputeAddr returns the full server address as host:port
func (c *Config) ComputeAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a pretty-printed representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf(`Config{
  Server:
    Host: %s
    Port: %d
    Addr: %s
    RateLimit: %d/min
  Files:
    DBPath: %s (resolved: %s)
    DefaultDownloadDir: %s
    SourcesPath: %s
  Download:
    Workers: %d
    Chunks: %d
    MinSplitSize: %d
    MaxAttempts: %d
    RetryBackoff: %s (max %s)
    ChunkTimeout: %s
    ProgressInterval: %s
    BandwidthLimit: %d
    ProbeURL: %s (timeout %s)
  Catalog:
    SyncOnStart: %t
    SyncInterval: %s
  Logging:
    LogLevel: %s
  Meta:
    Version: %s
    StartTime: %s
}`, c.Host, c.Port, c.Addr, c.RateLimit,
		c.DBPath, c.AbsDBPath, c.DefaultDownloadDir, c.SourcesPath,
		c.Workers, c.Chunks, c.MinSplitSize, c.MaxAttempts,
		c.RetryBackoff, c.RetryMaxBackoff, c.ChunkTimeout, c.ProgressInterval,
		c.BandwidthLimit, c.ProbeURL, c.ProbeTimeout,
		c.SyncOnStart, c.SyncInterval,
		c.LogLevel,
		c.Version, c.StartTime.Format(time.RFC3339))
}

// Summary returns a one-line summary of key configuration
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"addr":                 c.Addr,
		"db_path":              c.AbsDBPath,
		"default_download_dir": c.DefaultDownloadDir,
		"workers":              c.Workers,
		"chunks":               c.Chunks,
		"max_attempts":         c.MaxAttempts,
		"sync_on_start":        c.SyncOnStart,
		"log_level":            c.LogLevel,
		"version":              c.Version,
	}
}

// defaultCacheDBPath returns the cross-platform default path for the SQLite DB
// - Windows: %APPDATA%/romfetch/romfetch.db
// - Linux/macOS: $HOME/.cache/romfetch/romfetch.db
func defaultCacheDBPath() string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "romfetch", "romfetch.db")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "AppData", "Roaming", "romfetch", "romfetch.db")
		}
		return "romfetch.db"
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "romfetch", "romfetch.db")
	}
	return filepath.Join("romfetch", "romfetch.db")
}
