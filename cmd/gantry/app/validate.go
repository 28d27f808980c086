// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gantry-mcp/gantry/pkg/config"
	"github.com/gantry-mcp/gantry/pkg/logger"
)

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Validate the gateway configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity
- Listener, transport and auth settings
- Session and elicitation store configuration
- Authorization, telemetry and logging settings`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			logger.Infof("Validating configuration: %s", configPath)

			cfg, err := config.NewYAMLLoader(configPath).Load()
			if err != nil {
				logger.Errorf("Failed to load configuration: %v", err)
				return fmt.Errorf("configuration loading failed: %w", err)
			}

			if err := config.NewValidator().Validate(cfg); err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Name: %s", cfg.Name)
			logger.Infof("  Listen: %s:%d", cfg.Host, cfg.Port)
			logger.Infof("  Transports: %s", strings.Join(cfg.Transports.Enabled, ", "))
			logger.Infof("  Auth: %s", cfg.Auth.Mode)
			logger.Infof("  Session store: %s", cfg.Sessions.Store.Type)
			logger.Infof("  Elicitation store: %s", cfg.Elicitation.Store.Type)

			if cfg.Authz.Enabled {
				logger.Infof("  Authorization: cedar (%s)", cfg.Authz.PolicyFile)
			}
			if cfg.Telemetry.OTLPEndpoint != "" {
				logger.Infof("  OTLP endpoint: %s", cfg.Telemetry.OTLPEndpoint)
			}

			return nil
		},
	}
}
