// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the gantry command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gantry-mcp/gantry/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "gantry",
	DisableAutoGenTag: true,
	Short:             "Gantry - MCP gateway for shared tools, resources, prompts and skills",
	Long: `Gantry is an MCP (Model Context Protocol) gateway that multiplexes many
client sessions onto shared pools of tools, resources, prompts and skills.
It provides:

- Streamable HTTP, SSE, stateless HTTP and in-process transports
- Session-scoped elicitation relay with pluggable persistence
- Skill discovery over a full-text index, gating tool activation
- Cedar-based tool authorization and opt-in result caching
- OpenTelemetry tracing and Prometheus metrics

A single gateway node serves one scope tree; Redis-backed stores let a
fleet of nodes share sessions and pending elicitations.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the gantry CLI.
func NewRootCmd() *cobra.Command {
	// Add persistent flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to gateway configuration file")
	bindGlobalFlags(rootCmd.PersistentFlags())

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// bindGlobalFlags mirrors every persistent flag into viper so packages
// that never see the cobra command can still read them.
func bindGlobalFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(f.Name, f); err != nil {
			logger.Errorf("Error binding %s flag: %v", f.Name, err)
		}
	})
}
