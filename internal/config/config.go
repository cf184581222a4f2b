// Package config holds the server settings. Values come from built-in
// defaults, then an optional YAML file, then WEBCORE_* environment
// variables, then command line flags.
package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/webcore/internal/users"
)

// EnvPrefix prefixes the environment variable of every key.
const EnvPrefix = "WEBCORE_"

var (
	ErrUnknownKey = errors.New("unknown config key")
	ErrInvalid    = errors.New("invalid config")
)

type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	TLS TLSConfig `yaml:"tls"`

	PoolSize       int           `yaml:"pool_size"`
	QueueSize      int           `yaml:"queue_size"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SessionTimeout time.Duration `yaml:"session_timeout"`

	Root           string `yaml:"root"`
	UploadDir      string `yaml:"upload_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	RequireAuth    bool   `yaml:"require_auth"`
	Gzip           bool   `yaml:"gzip"`
	// ContentTypes names a YAML file of extension to MIME type overrides.
	ContentTypes string `yaml:"content_types"`

	Cache CacheConfig  `yaml:"cache"`
	Users users.Config `yaml:"users"`

	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CacheConfig locates the content cache. Archive, when set, is a zip
// file unpacked into Dir at startup.
type CacheConfig struct {
	Dir      string `yaml:"dir"`
	Archive  string `yaml:"archive"`
	MaxBytes int64  `yaml:"max_bytes"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Port:           8080,
		PoolSize:       20,
		QueueSize:      100,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   60 * time.Second,
		RequestTimeout: 60 * time.Second,
		SessionTimeout: time.Hour,
		Root:           "ROOT",
		UploadDir:      "uploads",
		MaxUploadBytes: 75 << 20,
		Cache: CacheConfig{
			Dir:      "CACHE",
			MaxBytes: 64 << 20,
		},
		Users: users.Config{
			Provider: "file",
			File:     "users.yaml",
			LDAP:     users.LDAPConfig{Timeout: 10 * time.Second},
			SSO:      users.SSOConfig{Timeout: 10 * time.Second},
		},
		RateBurst: 20,
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An
// empty path returns the defaults. Unknown keys in the file are errors.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the values already in cfg.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Addr is the listen address of the main server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoadTLS returns the certificate configuration, or nil when TLS is
// not configured.
func (c Config) LoadTLS() (*tls.Config, error) {
	if c.TLS.CertFile == "" && c.TLS.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Port < 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.PoolSize < 1 {
		problems = append(problems, "pool_size must be at least 1")
	}
	if c.QueueSize < 0 {
		problems = append(problems, "queue_size must not be negative")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		problems = append(problems, "tls needs both cert_file and key_file")
	}
	if c.Root == "" {
		problems = append(problems, "root must be set")
	}
	if c.MaxUploadBytes < 0 {
		problems = append(problems, "max_upload_bytes must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		problems = append(problems, "rate_burst must be at least 1 when rate_limit is set")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log format %q is not text or json", c.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// EnvName returns the environment variable of a key: "pool-size"
// becomes WEBCORE_POOL_SIZE.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

// Keys returns every settable key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Usage returns the help text of key.
func Usage(key string) string {
	return bindings[key].usage
}

// Set parses value into the field named by key.
func (c *Config) Set(key, value string) error {
	b, ok := bindings[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := b.set(c, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Get formats the field named by key.
func (c *Config) Get(key string) string {
	b, ok := bindings[key]
	if !ok {
		return ""
	}
	return b.get(c)
}

// ApplyEnv sets every key whose environment variable is present,
// except those skip reports as already given on the command line.
func (c *Config) ApplyEnv(lookup func(string) (string, bool), skip func(key string) bool) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range Keys() {
		if skip != nil && skip(key) {
			continue
		}
		if v, ok := lookup(EnvName(key)); ok {
			if err := c.Set(key, v); err != nil {
				return fmt.Errorf("%s: %w", EnvName(key), err)
			}
		}
	}
	return nil
}
