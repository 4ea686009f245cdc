package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from ones the
// agent can run through after clamping or ignoring the offending value.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r *ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config. Malformed endpoints and credentials are
// fatal; out-of-range numeric values are clamped in place and reported as
// warnings so a hand-edited config cannot take the agent down.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			result.Fatals = append(result.Fatals, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			result.Fatals = append(result.Fatals, fmt.Errorf("server_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.ForwardURL != "" {
		u, err := url.Parse(c.ForwardURL)
		if err != nil {
			result.Fatals = append(result.Fatals, fmt.Errorf("forward_url %q is not a valid URL: %w", c.ForwardURL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			result.Fatals = append(result.Fatals, fmt.Errorf("forward_url scheme must be ws or wss, got %q", u.Scheme))
		}
	}

	if c.ForwardEnabled && c.ForwardURL == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("forward_enabled requires forward_url"))
	}

	if c.AuthToken != "" {
		for _, r := range c.AuthToken {
			if unicode.IsControl(r) {
				result.Fatals = append(result.Fatals, fmt.Errorf("auth_token contains control characters"))
				break
			}
		}
	}

	// Clamp intervals to safe range
	if c.StatsIntervalSeconds < 5 {
		result.Warnings = append(result.Warnings, fmt.Errorf("stats_interval_seconds %d is below minimum 5, clamping", c.StatsIntervalSeconds))
		c.StatsIntervalSeconds = 5
	} else if c.StatsIntervalSeconds > 3600 {
		result.Warnings = append(result.Warnings, fmt.Errorf("stats_interval_seconds %d exceeds maximum 3600, clamping", c.StatsIntervalSeconds))
		c.StatsIntervalSeconds = 3600
	}

	if c.ForwardQueueSize < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("forward_queue_size %d is below minimum 1, clamping", c.ForwardQueueSize))
		c.ForwardQueueSize = 1
	} else if c.ForwardQueueSize > 1024 {
		result.Warnings = append(result.Warnings, fmt.Errorf("forward_queue_size %d exceeds maximum 1024, clamping", c.ForwardQueueSize))
		c.ForwardQueueSize = 1024
	}

	if c.LogMaxSizeMB < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_max_size_mb %d is below minimum 1, clamping", c.LogMaxSizeMB))
		c.LogMaxSizeMB = 1
	}
	if c.LogMaxBackups < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_max_backups %d is negative, clamping", c.LogMaxBackups))
		c.LogMaxBackups = 0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return result
}
