package config

import (
	"fmt"
	"net/url"
	"time"
)

// ReconnectionPolicy is the immutable per-session recovery configuration.
type ReconnectionPolicy struct {
	MaxAttempts                  uint32 `yaml:"max_attempts"`
	BaseIntervalSecs             uint32 `yaml:"base_interval_secs"`
	BackoffMultiplier            uint32 `yaml:"backoff_multiplier"`
	MaxIntervalSecs              uint32 `yaml:"max_interval_secs"`
	ConsecutiveFailuresThreshold uint32 `yaml:"consecutive_failures_threshold"`
	HealthCheckIntervalSecs      uint64 `yaml:"health_check_interval_secs"`
	HealthCheckEndpoint          string `yaml:"health_check_endpoint"`

	// Ceiling for the reachability gate, and how often it re-checks.
	StabilityTimeoutSecs uint32 `yaml:"stability_timeout_secs"`
	StabilityRecheckSecs uint32 `yaml:"stability_recheck_secs"`
}

const (
	DefaultMaxAttempts                  = 5
	DefaultBaseIntervalSecs             = 5
	DefaultBackoffMultiplier            = 2
	DefaultMaxIntervalSecs              = 60
	DefaultConsecutiveFailuresThreshold = 3
	DefaultHealthCheckIntervalSecs      = 60
	DefaultStabilityTimeoutSecs         = 300
	DefaultStabilityRecheckSecs         = 5
)

// DefaultPolicy returns a policy that works without any configuration.
func DefaultPolicy() ReconnectionPolicy {
	return ReconnectionPolicy{
		MaxAttempts:                  DefaultMaxAttempts,
		BaseIntervalSecs:             DefaultBaseIntervalSecs,
		BackoffMultiplier:            DefaultBackoffMultiplier,
		MaxIntervalSecs:              DefaultMaxIntervalSecs,
		ConsecutiveFailuresThreshold: DefaultConsecutiveFailuresThreshold,
		HealthCheckIntervalSecs:      DefaultHealthCheckIntervalSecs,
		StabilityTimeoutSecs:         DefaultStabilityTimeoutSecs,
		StabilityRecheckSecs:         DefaultStabilityRecheckSecs,
	}
}

// FieldError reports the first invalid policy field.
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s %s, got: %v", e.Field, e.Reason, e.Value)
}

// Validate checks every field against its range. Values are never clamped.
func (p ReconnectionPolicy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > 20 {
		return &FieldError{Field: "max_attempts", Value: p.MaxAttempts, Reason: "must be between 1 and 20"}
	}
	if p.BaseIntervalSecs < 1 || p.BaseIntervalSecs > 300 {
		return &FieldError{Field: "base_interval_secs", Value: p.BaseIntervalSecs, Reason: "must be between 1 and 300"}
	}
	if p.BackoffMultiplier < 1 || p.BackoffMultiplier > 10 {
		return &FieldError{Field: "backoff_multiplier", Value: p.BackoffMultiplier, Reason: "must be between 1 and 10"}
	}
	if p.MaxIntervalSecs < p.BaseIntervalSecs {
		return &FieldError{
			Field:  "max_interval_secs",
			Value:  p.MaxIntervalSecs,
			Reason: fmt.Sprintf("must be >= base_interval_secs (%d)", p.BaseIntervalSecs),
		}
	}
	if p.ConsecutiveFailuresThreshold < 1 || p.ConsecutiveFailuresThreshold > 10 {
		return &FieldError{Field: "consecutive_failures_threshold", Value: p.ConsecutiveFailuresThreshold, Reason: "must be between 1 and 10"}
	}
	if p.HealthCheckIntervalSecs < 10 || p.HealthCheckIntervalSecs > 3600 {
		return &FieldError{Field: "health_check_interval_secs", Value: p.HealthCheckIntervalSecs, Reason: "must be between 10 and 3600"}
	}
	if p.HealthCheckEndpoint != "" {
		if err := ValidateEndpoint(p.HealthCheckEndpoint); err != nil {
			return &FieldError{Field: "health_check_endpoint", Value: p.HealthCheckEndpoint, Reason: err.Error()}
		}
	}
	if p.StabilityTimeoutSecs < 10 || p.StabilityTimeoutSecs > 3600 {
		return &FieldError{Field: "stability_timeout_secs", Value: p.StabilityTimeoutSecs, Reason: "must be between 10 and 3600"}
	}
	if p.StabilityRecheckSecs < 1 || p.StabilityRecheckSecs > 60 {
		return &FieldError{Field: "stability_recheck_secs", Value: p.StabilityRecheckSecs, Reason: "must be between 1 and 60"}
	}
	return nil
}

// ValidateEndpoint accepts absolute http and https URLs only.
func ValidateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid HTTP/HTTPS URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

func (p ReconnectionPolicy) HealthCheckInterval() time.Duration {
	return time.Duration(p.HealthCheckIntervalSecs) * time.Second
}

func (p ReconnectionPolicy) StabilityTimeout() time.Duration {
	return time.Duration(p.StabilityTimeoutSecs) * time.Second
}

func (p ReconnectionPolicy) StabilityRecheck() time.Duration {
	return time.Duration(p.StabilityRecheckSecs) * time.Second
}
