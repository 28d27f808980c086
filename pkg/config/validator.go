// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gantry-mcp/gantry/pkg/logger"
)

// ErrInvalidConfig is the sentinel wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Elicitation TTL bounds.
const (
	minElicitTTL = time.Minute
	maxElicitTTL = 24 * time.Hour
)

var validProtocols = []string{"streamable", "sse", "stateless", "local"}
var validAuthModes = []string{"bearer", "local", "anonymous"}
var validStoreTypes = []string{"memory", "redis"}

// Validator performs semantic validation of a loaded configuration.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks the configuration and returns every problem found,
// joined into a single error.
func (v *Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}

	var problems []string
	collect := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	collect(v.validateListener(cfg))
	collect(v.validateTransports(cfg.Transports))
	collect(v.validateAuth(cfg.Auth))
	collect(v.validateStore("sessions.store", cfg.Sessions.Store))
	collect(v.validateStore("elicitation.store", cfg.Elicitation.Store))
	collect(v.validateElicitation(cfg.Elicitation))
	collect(v.validateAuthz(cfg.Authz))
	collect(v.validateTelemetry(cfg.Telemetry))
	collect(v.validateLogging(cfg.Logging))

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	return nil
}

func (*Validator) validateListener(cfg *Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("name is required")
	}
	// Port 0 binds an ephemeral port.
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be in [0, 65535], got %d", cfg.Port)
	}
	return nil
}

func (*Validator) validateTransports(t TransportsConfig) error {
	if len(t.Enabled) == 0 {
		return fmt.Errorf("transports.enabled must list at least one protocol")
	}
	for _, p := range t.Enabled {
		if !contains(validProtocols, p) {
			return fmt.Errorf("transports.enabled: unknown protocol %q (valid: %s)",
				p, strings.Join(validProtocols, ", "))
		}
	}
	if t.IdleTimeout < 0 {
		return fmt.Errorf("transports.idle_timeout must not be negative")
	}
	return nil
}

func (*Validator) validateAuth(a AuthConfig) error {
	if !contains(validAuthModes, a.Mode) {
		return fmt.Errorf("auth.mode must be one of: %s", strings.Join(validAuthModes, ", "))
	}
	if a.Mode == "local" && a.LocalUser == "" {
		return fmt.Errorf("auth.local_user is required when auth.mode is 'local'")
	}
	return nil
}

func (*Validator) validateStore(field string, s StoreConfig) error {
	if !contains(validStoreTypes, s.Type) {
		return fmt.Errorf("%s.type must be one of: %s", field, strings.Join(validStoreTypes, ", "))
	}
	if s.Type == "redis" && s.Redis.Addr == "" {
		return fmt.Errorf("%s.redis.addr is required when type is 'redis'", field)
	}
	if s.OpTimeout <= 0 {
		return fmt.Errorf("%s.op_timeout must be positive", field)
	}
	return nil
}

func (*Validator) validateElicitation(e ElicitationConfig) error {
	if e.DefaultTTL < minElicitTTL || e.DefaultTTL > maxElicitTTL {
		return fmt.Errorf("elicitation.default_ttl must be in [%v, %v], got %v",
			minElicitTTL, maxElicitTTL, e.DefaultTTL)
	}
	return nil
}

func (*Validator) validateAuthz(a AuthzConfig) error {
	if a.Enabled && a.PolicyFile == "" {
		return fmt.Errorf("authz.policy_file is required when authz.enabled is true")
	}
	return nil
}

func (*Validator) validateTelemetry(t TelemetryConfig) error {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		return fmt.Errorf("telemetry.sampling_rate must be in [0.0, 1.0], got %v", t.SamplingRate)
	}
	if strings.Contains(t.OTLPEndpoint, "://") {
		return fmt.Errorf("telemetry.otlp_endpoint must be host:port without a scheme")
	}
	return nil
}

func (*Validator) validateLogging(l LoggingConfig) error {
	// Empty means "use the default"; EnsureDefaults fills it.
	if l.Level == "" {
		return nil
	}
	if _, err := logger.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("logging.level: %v", err)
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
