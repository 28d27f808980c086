// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config contains the gateway configuration model and the logic to
// load, default, and validate it.
package config

import "time"

// Config is the root gateway configuration, loaded from YAML.
type Config struct {
	// Name is the gateway instance name exposed during MCP initialize.
	Name string `mapstructure:"name" yaml:"name"`

	// Host is the bind address (default: "127.0.0.1").
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the bind port (default: 4687). Zero binds an ephemeral
	// port; Server.Address reports the bound one.
	Port int `mapstructure:"port" yaml:"port"`

	Transports  TransportsConfig  `mapstructure:"transports" yaml:"transports"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Sessions    SessionsConfig    `mapstructure:"sessions" yaml:"sessions"`
	Elicitation ElicitationConfig `mapstructure:"elicitation" yaml:"elicitation"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Authz       AuthzConfig       `mapstructure:"authz" yaml:"authz"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
	Skills      SkillsConfig      `mapstructure:"skills" yaml:"skills"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// TransportsConfig selects which protocol endpoints the gateway serves.
type TransportsConfig struct {
	// Enabled lists the served protocols; valid entries are "streamable",
	// "sse", "stateless", and "local" (default: streamable + sse).
	Enabled []string `mapstructure:"enabled" yaml:"enabled"`

	// IdleTimeout destroys adapters with no traffic for this duration.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// Serves reports whether the named protocol is enabled.
func (t TransportsConfig) Serves(protocol string) bool {
	for _, p := range t.Enabled {
		if p == protocol {
			return true
		}
	}
	return false
}

// AuthConfig configures how principals are established.
type AuthConfig struct {
	// Mode is one of "bearer", "local", or "anonymous".
	Mode string `mapstructure:"mode" yaml:"mode"`

	// LocalUser is the fixed subject bound when mode is "local".
	LocalUser string `mapstructure:"local_user" yaml:"local_user"`
}

// SessionsConfig configures session records and their shared store.
type SessionsConfig struct {
	// TTL expires idle session records (default: 30 minutes).
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`

	// Store selects where streamable-http session records persist.
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// RateLimit bounds new-session creation bursts.
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// StoreConfig selects and tunes a backing store.
type StoreConfig struct {
	// Type is "memory" or "redis".
	Type string `mapstructure:"type" yaml:"type"`

	// Redis holds connection details when Type is "redis".
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`

	// OpTimeout bounds individual store operations; past it the
	// transport registry degrades to local-only behavior.
	OpTimeout time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

// RedisConfig holds Redis connection details.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// RateLimitConfig is a token-bucket limit.
type RateLimitConfig struct {
	// PerSecond is the sustained rate; zero disables the limit.
	PerSecond float64 `mapstructure:"per_second" yaml:"per_second"`

	// Burst is the bucket size.
	Burst int `mapstructure:"burst" yaml:"burst"`
}

// ElicitationConfig tunes the elicitation broker.
type ElicitationConfig struct {
	// DefaultTTL is applied when a tool requests no explicit timeout.
	// Bounded to [1 minute, 24 hours].
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`

	// SealKeyEnv names an environment variable holding the master key for
	// the sealed pending-elicit store. Empty disables sealing.
	SealKeyEnv string `mapstructure:"seal_key_env" yaml:"seal_key_env"`

	// Store selects where pending elicits persist ("memory" or "redis").
	Store StoreConfig `mapstructure:"store" yaml:"store"`
}

// CacheConfig tunes the tool result cache. Caching itself is opt-in per
// tool; these settings bound the shared cache.
type CacheConfig struct {
	// MaxEntries bounds the in-memory cache size.
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries"`

	// DefaultTTL is applied when a tool's cache config omits one.
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
}

// AuthzConfig configures the Cedar authorization plugin.
type AuthzConfig struct {
	// Enabled turns Cedar policy evaluation on for tools/call.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PolicyFile is the path to the Cedar policy document.
	PolicyFile string `mapstructure:"policy_file" yaml:"policy_file"`
}

// TelemetryConfig configures the OpenTelemetry provider. The Prometheus
// /metrics endpoint is always mounted; OTLP push is opt-in.
type TelemetryConfig struct {
	// OTLPEndpoint enables OTLP HTTP push when non-empty (host:port, no scheme).
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`

	// SamplingRate is the trace sampling ratio in [0.0, 1.0].
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`

	// Insecure disables TLS for the OTLP endpoint.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`
}

// SkillsConfig configures the skills search index.
type SkillsConfig struct {
	// IndexPath is the SQLite database path; ":memory:" keeps the index
	// process-local.
	IndexPath string `mapstructure:"index_path" yaml:"index_path"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is the minimum gateway log level
	// (debug|verbose|info|notice|warning|error|critical|alert|emergency).
	Level string `mapstructure:"level" yaml:"level"`
}
