// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authcore/pkg/api"
	"github.com/stacklok/authcore/pkg/logger"
)

// newServeCmd creates the serve command for starting the authcore server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authcore server",
		Long: `Start the authcore server.

Every provider with a client ID, client secret and redirect URI is enabled.
With a Redis-protocol storage backend, any number of server processes can
serve the same users and protocol sessions.`,
		RunE: runServe,
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	cmd.Flags().String("storage", "memory", "Storage backend: memory, file, hybrid, redis or managed-kv")
	cmd.Flags().String("redis-url", "", "Redis connection URL for the redis and managed-kv backends")
	bindFlags(cmd, map[string]string{
		"server.address":    "address",
		"storage.type":      "storage",
		"storage.redis.url": "redis-url",
	})

	return cmd
}

func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			logger.Errorf("Error binding %s flag: %v", flag, err)
		}
	}
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ResolveEncryptionKey(); err != nil {
		return fmt.Errorf("failed to resolve storage encryption key: %w", err)
	}

	logger.Infow("configuration loaded",
		"storage", cfg.Storage.Type,
		"shared", cfg.UsesSharedStore(),
		"providers", cfg.Providers.OrderedNames(),
	)

	srv, err := api.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Start(ctx)
}
