package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/album-scraper/pkg/models"
	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

// DefaultMirrors is the mirror list used when the config file names none
var DefaultMirrors = []string{
	"bunkr.ac",
	"bunkr.ci",
	"bunkr.cr",
	"bunkr.fi",
	"bunkr.pk",
	"bunkr.si",
	"bunkr.sk",
	"bunkr.ws",
	"bunkr.ax",
	"bunkr.red",
	"bunkr.media",
	"bunkr.site",
}

// DefaultUserAgent is a desktop browser identifier; some mirrors reject obvious bots
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Environment variable names that override file settings
const (
	EnvMirrors         = "ALBUM_SCRAPER_MIRRORS"
	EnvStateDir        = "ALBUM_SCRAPER_STATE_DIR"
	EnvConcurrentAlbum = "ALBUM_SCRAPER_CONCURRENT_ALBUMS"
	EnvMetricsAddr     = "ALBUM_SCRAPER_METRICS_ADDR"
	EnvDryRun          = "ALBUM_SCRAPER_DRY_RUN"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	// Mirror rotation / failover fetch
	Mirrors              []string      `yaml:"mirrors"`
	MirrorScheme         string        `yaml:"mirror_scheme,omitempty"` // "https" in production
	UserAgent            string        `yaml:"user_agent,omitempty"`
	MirrorAttemptDelay   time.Duration `yaml:"mirror_attempt_delay,omitempty"` // Pause between two mirrors of one fetch; explicit 0 disables
	RotationCooldown     time.Duration `yaml:"rotation_cooldown,omitempty"`    // Shared wait after the cursor wraps; explicit 0 disables
	MaxBodyBytes         int64         `yaml:"max_body_bytes,omitempty"`
	MaxRequestsPerMirror int           `yaml:"max_requests_per_mirror,omitempty"` // 0 = unlimited

	// Album crawl loop
	PageMaxRetries int           `yaml:"page_max_retries,omitempty"` // Explicit 0 = a single attempt
	PageRetryUnit  time.Duration `yaml:"page_retry_unit,omitempty"` // Backoff = attempt * unit
	EmptyPageLimit int           `yaml:"empty_page_limit,omitempty"`

	// Scheduler
	ConcurrentAlbums  int                      `yaml:"concurrent_albums,omitempty"`
	PollInterval      time.Duration            `yaml:"poll_interval,omitempty"`
	ShutdownGrace     time.Duration            `yaml:"shutdown_grace,omitempty"`
	FailedAlbumPolicy models.FailedAlbumPolicy `yaml:"failed_album_policy,omitempty"`
	MaxAlbumFailures  int                      `yaml:"max_album_failures,omitempty"`
	ProgressInterval  time.Duration            `yaml:"progress_interval,omitempty"`

	// Storage and process
	StateDir           string           `yaml:"state_dir"`
	GCInterval         time.Duration    `yaml:"gc_interval,omitempty"`
	DryRun             bool             `yaml:"dry_run,omitempty"`
	MetricsAddr        string           `yaml:"metrics_addr,omitempty"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`

	// Top-level keys present in the loaded file; an explicit zero for a key listed in
	// zeroAllowedKeys is kept by Validate instead of being replaced by the default
	explicit map[string]bool
}

// Keys for which 0 is a meaningful setting rather than "unset"
var zeroAllowedKeys = []string{"mirror_attempt_delay", "rotation_cooldown", "page_max_retries"}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Per-request timeout, applies to every mirror attempt
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per mirror
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"` // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
}

// Load reads a YAML config file. A missing file is not an error: the zero config is
// returned so Validate can fill every default.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("%w: reading config '%s': %w", utils.ErrFilesystem, path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: config '%s': %w", utils.ErrParsing, path, err)
	}

	var keys map[string]yaml.Node
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: config '%s': %w", utils.ErrParsing, path, err)
	}
	for _, key := range zeroAllowedKeys {
		if _, ok := keys[key]; ok {
			cfg.SetExplicit(key)
		}
	}
	return &cfg, nil
}

// SetExplicit marks a key as deliberately configured, so a zero value survives Validate
func (c *AppConfig) SetExplicit(key string) {
	if c.explicit == nil {
		c.explicit = make(map[string]bool)
	}
	c.explicit[key] = true
}

func (c *AppConfig) isExplicit(key string) bool {
	return c.explicit[key]
}

// ApplyEnvOverrides applies ALBUM_SCRAPER_* environment variables on top of the file
// settings. Malformed values are reported as warnings and ignored.
func (c *AppConfig) ApplyEnvOverrides() (warnings []string) {
	if v, ok := os.LookupEnv(EnvMirrors); ok && strings.TrimSpace(v) != "" {
		var mirrors []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				mirrors = append(mirrors, m)
			}
		}
		c.Mirrors = mirrors
	}
	if v, ok := os.LookupEnv(EnvStateDir); ok && v != "" {
		c.StateDir = v
	}
	if v, ok := os.LookupEnv(EnvConcurrentAlbum); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ConcurrentAlbums = n
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring %s=%q: want a positive integer", EnvConcurrentAlbum, v))
		}
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		c.MetricsAddr = v
	}
	if v, ok := os.LookupEnv(EnvDryRun); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DryRun = b
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring %s=%q: want a boolean", EnvDryRun, v))
		}
	}
	return warnings
}

// SkipAfter returns the failure count at which an album is skipped, 0 meaning never
func (c *AppConfig) SkipAfter() int {
	if c.FailedAlbumPolicy == models.FailedAlbumSkip {
		return c.MaxAlbumFailures
	}
	return 0
}
