// Package config loads server settings from defaults, an optional TOML
// file, a .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// NetCDF backends.
const (
	BackendLibNetCDF = "libnetcdf"
	BackendNative    = "native"
)

// Config holds the server settings. TOML keys are the lower-cased
// environment variable names.
type Config struct {
	Port               string        `toml:"port"`
	UploadDir          string        `toml:"upload_dir"`
	PublicDir          string        `toml:"public_dir"`
	MaxUploadBytes     int64         `toml:"max_upload_bytes"`
	DefaultMaxPoints   int           `toml:"default_max_points"`
	MaxPointsLimit     int           `toml:"max_points_limit"`
	CacheMaxEntries    int           `toml:"cache_max_entries"`
	NetCDFBackend      string        `toml:"netcdf_backend"`
	CORSAllowedOrigins []string      `toml:"cors_allowed_origins"`
	LogLevel           string        `toml:"log_level"`
	LogFormat          string        `toml:"log_format"`
	RemoteTimeout      time.Duration `toml:"remote_timeout"`
	RemoteMaxRetries   int           `toml:"remote_max_retries"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port:             "8080",
		UploadDir:        "./uploads",
		MaxUploadBytes:   500 << 20,
		DefaultMaxPoints: 50000,
		MaxPointsLimit:   1000000,
		CacheMaxEntries:  32,
		NetCDFBackend:    BackendLibNetCDF,
		LogLevel:         "info",
		LogFormat:        "text",
		RemoteTimeout:    30 * time.Second,
		RemoteMaxRetries: 3,
	}
}

// Sources names where Load reads settings from. Empty paths are skipped.
type Sources struct {
	ConfigFile string
	EnvFile    string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load builds a Config. Real environment variables win over .env entries.
func Load(src Sources) (*Config, error) {
	cfg := Default()

	if src.ConfigFile != "" {
		md, err := toml.DecodeFile(src.ConfigFile, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys in %s: %v", src.ConfigFile, undecoded)
		}
	}

	dotenv := map[string]string{}
	if src.EnvFile != "" {
		var err error
		dotenv, err = godotenv.Read(src.EnvFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read env file: %w", err)
		}
	}

	lookup := src.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		if v, ok := lookup(key); ok && v != "" {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok && v != ""
	}

	if err := cfg.applyEnv(get); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(get func(string) (string, bool)) error {
	strs := map[string]*string{
		"PORT":           &c.Port,
		"UPLOAD_DIR":     &c.UploadDir,
		"PUBLIC_DIR":     &c.PublicDir,
		"NETCDF_BACKEND": &c.NetCDFBackend,
		"LOG_LEVEL":      &c.LogLevel,
		"LOG_FORMAT":     &c.LogFormat,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DEFAULT_MAX_POINTS": &c.DefaultMaxPoints,
		"MAX_POINTS_LIMIT":   &c.MaxPointsLimit,
		"CACHE_MAX_ENTRIES":  &c.CacheMaxEntries,
		"REMOTE_MAX_RETRIES": &c.RemoteMaxRetries,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			n, err := cast.ToIntE(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	if v, ok := get("MAX_UPLOAD_BYTES"); ok {
		n, err := cast.ToInt64E(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_UPLOAD_BYTES: %w", err)
		}
		c.MaxUploadBytes = n
	}
	if v, ok := get("REMOTE_TIMEOUT"); ok {
		d, err := cast.ToDurationE(v)
		if err != nil {
			return fmt.Errorf("invalid REMOTE_TIMEOUT: %w", err)
		}
		c.RemoteTimeout = d
	}
	if v, ok := get("CORS_ALLOWED_ORIGINS"); ok {
		c.CORSAllowedOrigins = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	port, err := cast.ToIntE(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid PORT %q", c.Port)
	}
	if c.UploadDir == "" {
		return errors.New("UPLOAD_DIR must be set")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.DefaultMaxPoints <= 0 {
		return fmt.Errorf("DEFAULT_MAX_POINTS must be positive, got %d", c.DefaultMaxPoints)
	}
	if c.MaxPointsLimit < c.DefaultMaxPoints {
		return fmt.Errorf("MAX_POINTS_LIMIT (%d) is below DEFAULT_MAX_POINTS (%d)", c.MaxPointsLimit, c.DefaultMaxPoints)
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must not be negative, got %d", c.CacheMaxEntries)
	}
	switch c.NetCDFBackend {
	case BackendLibNetCDF, BackendNative:
	default:
		return fmt.Errorf("NETCDF_BACKEND must be %q or %q, got %q", BackendLibNetCDF, BackendNative, c.NetCDFBackend)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("REMOTE_TIMEOUT must be positive, got %s", c.RemoteTimeout)
	}
	if c.RemoteMaxRetries < 0 {
		return fmt.Errorf("REMOTE_MAX_RETRIES must not be negative, got %d", c.RemoteMaxRetries)
	}
	return nil
}
