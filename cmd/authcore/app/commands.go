// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the authcore command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authcore/pkg/config"
	"github.com/stacklok/authcore/pkg/logger"
)

// NewRootCmd creates a new root command for the authcore CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "authcore",
		DisableAutoGenTag: true,
		Short:             "authcore - OAuth login and shared protocol sessions",
		Long: `authcore signs users in through Google, GitHub, Microsoft or any OpenID Connect
provider using the Authorization Code flow with PKCE, and serves a streamable HTTP
protocol endpoint whose sessions are shared by every server process.

Configuration is read from the file given with --config and from AUTHCORE_*
environment variables, e.g. AUTHCORE_STORAGE_TYPE=redis.`,
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

	// Add persistent flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the authcore configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// loadConfig reads the file named by --config, if any, and the environment.
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath != "" {
		logger.Infof("Loading configuration from: %s", configPath)
	}

	cfg, err := config.Load(viper.GetViper(), configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, nil
}
