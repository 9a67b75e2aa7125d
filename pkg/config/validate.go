package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sriram-PR/album-scraper/pkg/models"
	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

// Validate checks AppConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// Mirrors
	if len(c.Mirrors) == 0 {
		c.Mirrors = append([]string(nil), DefaultMirrors...)
	}
	for i, m := range c.Mirrors {
		trimmed := strings.TrimSpace(m)
		if trimmed == "" {
			return warnings, fmt.Errorf("%w: mirrors[%d] is empty", utils.ErrConfigValidation, i)
		}
		if strings.Contains(trimmed, "/") {
			return warnings, fmt.Errorf("%w: mirrors[%d] '%s' must be a bare hostname", utils.ErrConfigValidation, i, m)
		}
		c.Mirrors[i] = trimmed
	}

	if c.MirrorScheme == "" {
		c.MirrorScheme = "https"
	} else if c.MirrorScheme != "https" && c.MirrorScheme != "http" {
		return warnings, fmt.Errorf("%w: mirror_scheme must be http or https, got '%s'", utils.ErrConfigValidation, c.MirrorScheme)
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MirrorAttemptDelay < 0 {
		warnings = append(warnings, "mirror_attempt_delay cannot be negative, setting to 0")
		c.MirrorAttemptDelay = 0
	} else if c.MirrorAttemptDelay == 0 && !c.isExplicit("mirror_attempt_delay") {
		c.MirrorAttemptDelay = 500 * time.Millisecond
	}
	if c.RotationCooldown < 0 {
		warnings = append(warnings, "rotation_cooldown cannot be negative, setting to 0")
		c.RotationCooldown = 0
	} else if c.RotationCooldown == 0 && !c.isExplicit("rotation_cooldown") {
		c.RotationCooldown = 2 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.MaxRequestsPerMirror < 0 {
		warnings = append(warnings, "max_requests_per_mirror cannot be negative, setting to 0 (unlimited)")
		c.MaxRequestsPerMirror = 0
	}

	if c.PageMaxRetries < 0 {
		warnings = append(warnings, "page_max_retries cannot be negative, setting to 0")
		c.PageMaxRetries = 0
	} else if c.PageMaxRetries == 0 && !c.isExplicit("page_max_retries") {
		c.PageMaxRetries = 2
	}
	if c.PageRetryUnit <= 0 {
		c.PageRetryUnit = 1 * time.Second
	}
	if c.EmptyPageLimit <= 0 {
		c.EmptyPageLimit = 2
	}

	// Scheduler
	if c.ConcurrentAlbums <= 0 {
		warnings = append(warnings, "concurrent_albums not specified or invalid, defaulting to 100")
		c.ConcurrentAlbums = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 1 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 30 * time.Second
	}
	if c.FailedAlbumPolicy == "" {
		c.FailedAlbumPolicy = models.FailedAlbumRetry
	} else if !c.FailedAlbumPolicy.IsValid() {
		return warnings, fmt.Errorf("%w: failed_album_policy must be 'retry' or 'skip', got '%s'",
			utils.ErrConfigValidation, c.FailedAlbumPolicy)
	}
	if c.MaxAlbumFailures <= 0 {
		if c.FailedAlbumPolicy == models.FailedAlbumSkip {
			warnings = append(warnings, "failed_album_policy is 'skip' but max_album_failures is unset, defaulting to 3")
		}
		c.MaxAlbumFailures = 3
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './scraper_state'")
		c.StateDir = "./scraper_state"
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Minute
	}

	c.validateHTTPClientSettings()

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 15 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 10
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 10 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}
