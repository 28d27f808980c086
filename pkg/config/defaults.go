// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"dario.cat/mergo"
)

// Default constants for operational configuration.
const (
	// defaultPort is the gateway's default bind port.
	defaultPort = 4687

	// defaultSessionTTL expires session records inactive for this long.
	defaultSessionTTL = 30 * time.Minute

	// defaultStoreOpTimeout bounds individual session-store operations.
	defaultStoreOpTimeout = 5 * time.Second

	// defaultAdapterIdleTimeout destroys transports with no traffic.
	defaultAdapterIdleTimeout = 30 * time.Minute

	// defaultElicitTTL is the pending-elicit expiry when a tool sets none.
	defaultElicitTTL = 5 * time.Minute

	// defaultCacheEntries bounds the in-memory tool result cache.
	defaultCacheEntries = 1000

	// defaultCacheTTL is applied to cached tool results without their own.
	defaultCacheTTL = 15 * time.Minute

	// defaultSessionRate is the sustained new-session creation rate.
	defaultSessionRate = 10.0

	// defaultSessionBurst is the new-session token bucket size.
	defaultSessionBurst = 20
)

// DefaultConfig returns a fully populated Config with default values.
// This is the single source of truth for gateway defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "gantry",
		Host: "127.0.0.1",
		Port: defaultPort,
		Transports: TransportsConfig{
			Enabled:     []string{"streamable", "sse"},
			IdleTimeout: defaultAdapterIdleTimeout,
		},
		Auth: AuthConfig{
			Mode: "bearer",
		},
		Sessions: SessionsConfig{
			TTL: defaultSessionTTL,
			Store: StoreConfig{
				Type:      "memory",
				OpTimeout: defaultStoreOpTimeout,
			},
			RateLimit: RateLimitConfig{
				PerSecond: defaultSessionRate,
				Burst:     defaultSessionBurst,
			},
		},
		Elicitation: ElicitationConfig{
			DefaultTTL: defaultElicitTTL,
			Store: StoreConfig{
				Type:      "memory",
				OpTimeout: defaultStoreOpTimeout,
			},
		},
		Cache: CacheConfig{
			MaxEntries: defaultCacheEntries,
			DefaultTTL: defaultCacheTTL,
		},
		Telemetry: TelemetryConfig{
			SamplingRate: 0.05,
		},
		Skills: SkillsConfig{
			IndexPath: ":memory:",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// EnsureDefaults fills zero-valued fields with defaults while preserving
// any user-provided values. Port is the exception: zero means "bind an
// ephemeral port" and survives the merge.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	ephemeral := c.Port == 0
	// Merge defaults into target, only filling zero/nil values.
	_ = mergo.Merge(c, DefaultConfig())
	if ephemeral {
		c.Port = 0
	}
}
