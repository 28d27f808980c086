// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gantry-mcp/gantry/pkg/config"
	"github.com/gantry-mcp/gantry/pkg/logger"
	"github.com/gantry-mcp/gantry/pkg/scope"
	"github.com/gantry-mcp/gantry/pkg/server"
)

// newServeCmd creates the serve command for starting the gateway
func newServeCmd() *cobra.Command {
	var demo bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway and listen for MCP client sessions.

The server reads the configuration file given by --config, or falls back
to built-in defaults when the flag is omitted, and serves the configured
transports until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), demo)
		},
	}

	cmd.Flags().BoolVar(&demo, "demo", false, "Serve a built-in demo app for smoke testing")

	return cmd
}

// runServe implements the serve command logic
func runServe(ctx context.Context, demo bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyLogLevel(cfg)

	var sc *scope.Scope
	if demo {
		sc, err = demoScope()
		if err != nil {
			return fmt.Errorf("failed to build demo app: %w", err)
		}
	}

	srv, err := server.New(ctx, cfg, sc)
	if err != nil {
		return err
	}

	if demo {
		if err := srv.SkillIndex().Add(ctx, demoSkills()...); err != nil {
			if stopErr := srv.Stop(context.Background()); stopErr != nil {
				logger.Errorf("Error stopping gateway: %v", stopErr)
			}
			return fmt.Errorf("failed to index demo skills: %w", err)
		}
		logger.Info("Demo app registered; try tools/list or skills search")
	}

	logger.Infof("Starting gantry gateway %q", cfg.Name)
	return srv.Run(ctx)
}

// loadConfig loads and validates the configuration named by the --config
// flag; an unset flag yields the built-in defaults.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		logger.Errorf("Configuration validation failed: %v", err)
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return cfg, nil
}

// applyLogLevel reconfigures the process logger from the loaded config.
// The --debug flag wins so operators can raise verbosity without editing
// the file.
func applyLogLevel(cfg *config.Config) {
	if viper.GetBool("debug") {
		logger.InitializeAt(logger.LevelDebug)
		return
	}
	if level, err := logger.ParseLevel(cfg.Logging.Level); err == nil {
		logger.InitializeAt(level)
	}
}
