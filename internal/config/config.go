package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/potato-launcher/instancesync/internal/download"
)

// Config represents the complete instancesync configuration
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Source   SourceConfig   `yaml:"source"`
	Download DownloadConfig `yaml:"download"`
	Sync     SyncConfig     `yaml:"sync"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	InstancesDir string `yaml:"instances_dir" env:"INSTANCESYNC_INSTANCES_DIR"`
	StateDir     string `yaml:"state_dir" env:"INSTANCESYNC_STATE_DIR"`
}

// SourceConfig configures where manifests and files are fetched from
type SourceConfig struct {
	IndexURL  string `yaml:"index_url" env:"INSTANCESYNC_INDEX_URL"`
	TokenFile string `yaml:"token_file" env:"INSTANCESYNC_TOKEN_FILE"`
	// DownloadServerBase serves user includes and loader artifacts
	DownloadServerBase string `yaml:"download_server_base" env:"INSTANCESYNC_DOWNLOAD_SERVER_BASE"`
	// ReplaceDownloadURLs routes vanilla files through the download server too
	ReplaceDownloadURLs bool   `yaml:"replace_download_urls" env:"INSTANCESYNC_REPLACE_DOWNLOAD_URLS"`
	ResourcesURLBase    string `yaml:"resources_url_base" env:"INSTANCESYNC_RESOURCES_URL_BASE"`
	// VersionManifestURL overrides the vanilla version manifest location
	VersionManifestURL string `yaml:"version_manifest_url" env:"INSTANCESYNC_VERSION_MANIFEST_URL"`
}

// DownloadConfig tunes the adaptive downloader
type DownloadConfig struct {
	MaxConcurrency     int `yaml:"max_concurrency" env:"INSTANCESYNC_MAX_CONCURRENCY"`
	MinConcurrency     int `yaml:"min_concurrency" env:"INSTANCESYNC_MIN_CONCURRENCY"`
	InitialConcurrency int `yaml:"initial_concurrency" env:"INSTANCESYNC_INITIAL_CONCURRENCY"`
	// MaxRetries is nil when unset so an explicit 0 means a single attempt
	MaxRetries *int `yaml:"max_retries" env:"INSTANCESYNC_MAX_RETRIES"`
	// BandwidthCap is in bytes per second; 0 is unlimited
	BandwidthCap   int64         `yaml:"bandwidth_cap" env:"INSTANCESYNC_BANDWIDTH_CAP"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"INSTANCESYNC_ATTEMPT_TIMEOUT"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	ParallelInstances int  `yaml:"parallel_instances" env:"INSTANCESYNC_PARALLEL_INSTANCES"`
	Verify            bool `yaml:"verify" env:"INSTANCESYNC_VERIFY"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"INSTANCESYNC_METRICS_ADDR"`
}

// DefaultPath returns $HOME/.config/instancesync/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "instancesync", "config.yaml"), nil
}

// Load reads and parses the configuration file. INSTANCESYNC_* environment
// variables override values from the file.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path and URL fields
func (c *Config) expandEnv() {
	c.Paths.InstancesDir = os.ExpandEnv(c.Paths.InstancesDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Source.IndexURL = os.ExpandEnv(c.Source.IndexURL)
	c.Source.TokenFile = os.ExpandEnv(c.Source.TokenFile)
	c.Source.DownloadServerBase = os.ExpandEnv(c.Source.DownloadServerBase)
	c.Source.ResourcesURLBase = os.ExpandEnv(c.Source.ResourcesURLBase)
	c.Source.VersionManifestURL = os.ExpandEnv(c.Source.VersionManifestURL)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.StateDir == "" {
		if base := stateHome(); base != "" {
			c.Paths.StateDir = filepath.Join(base, "instancesync")
		}
	}
	if c.Source.DownloadServerBase == "" && c.Source.IndexURL != "" {
		if u, err := url.Parse(c.Source.IndexURL); err == nil && u.Host != "" {
			// the directory holding the index
			u.Path = u.Path[:strings.LastIndex(u.Path, "/")+1]
			u.RawQuery = ""
			u.User = nil
			c.Source.DownloadServerBase = u.String()
		}
	}
	if c.Download.MaxRetries == nil {
		n := download.DefaultMaxRetries
		c.Download.MaxRetries = &n
	}
}

func stateHome() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state")
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.InstancesDir == "" {
		return fmt.Errorf("paths.instances_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.InstancesDir) {
		return fmt.Errorf("paths.instances_dir must be an absolute path: %s", c.Paths.InstancesDir)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Source.IndexURL == "" {
		return fmt.Errorf("source.index_url is required")
	}
	if err := checkHTTPURL("source.index_url", c.Source.IndexURL); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"source.download_server_base": c.Source.DownloadServerBase,
		"source.resources_url_base":   c.Source.ResourcesURLBase,
		"source.version_manifest_url": c.Source.VersionManifestURL,
	} {
		if v == "" {
			continue
		}
		if err := checkHTTPURL(name, v); err != nil {
			return err
		}
	}
	if c.Source.ReplaceDownloadURLs && c.Source.DownloadServerBase == "" {
		return fmt.Errorf("source.replace_download_urls requires source.download_server_base")
	}

	d := c.Download
	if d.MaxConcurrency < 0 || d.MinConcurrency < 0 || d.InitialConcurrency < 0 {
		return fmt.Errorf("download concurrency settings must not be negative")
	}
	if d.MaxConcurrency > 0 && d.MinConcurrency > d.MaxConcurrency {
		return fmt.Errorf("download.min_concurrency (%d) exceeds download.max_concurrency (%d)", d.MinConcurrency, d.MaxConcurrency)
	}
	if d.MaxRetries != nil && *d.MaxRetries < 0 {
		return fmt.Errorf("download.max_retries must not be negative")
	}
	if d.BandwidthCap < 0 {
		return fmt.Errorf("download.bandwidth_cap must not be negative")
	}
	if d.AttemptTimeout < 0 || d.BackoffInitial < 0 || d.BackoffMax < 0 {
		return fmt.Errorf("download timeouts must not be negative")
	}

	if c.Sync.ParallelInstances < 0 {
		return fmt.Errorf("sync.parallel_instances must not be negative")
	}

	return nil
}

func checkHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL: %s", field, raw)
	}
	return nil
}

// ReadToken returns the bearer token from source.token_file, or "" when no
// token file is configured
func (c *Config) ReadToken() (string, error) {
	if c.Source.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Source.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", c.Source.TokenFile)
	}
	return token, nil
}

// DownloadOptions converts the download and source sections into downloader options
func (c *Config) DownloadOptions(token string) download.Options {
	opts := download.Options{
		MaxConcurrency:     c.Download.MaxConcurrency,
		MinConcurrency:     c.Download.MinConcurrency,
		InitialConcurrency: c.Download.InitialConcurrency,
		BandwidthCap:       c.Download.BandwidthCap,
		AttemptTimeout:     c.Download.AttemptTimeout,
		BackoffInitial:     c.Download.BackoffInitial,
		BackoffMax:         c.Download.BackoffMax,
		Mirror: download.Mirror{
			ReplaceDownloadURLs: c.Source.ReplaceDownloadURLs,
			DownloadServerBase:  c.Source.DownloadServerBase,
			ResourcesURLBase:    c.Source.ResourcesURLBase,
		},
		Token: token,
	}
	if c.Download.MaxRetries != nil {
		opts.MaxRetries = *c.Download.MaxRetries
	}
	return opts
}

// RedactedIndexURL returns the index URL without credentials or query string
func (c *Config) RedactedIndexURL() string {
	u, err := url.Parse(c.Source.IndexURL)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
