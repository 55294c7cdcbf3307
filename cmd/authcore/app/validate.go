// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stacklok/authcore/pkg/config"
)

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Long: `Validate the configuration file and AUTHCORE_* environment.

This command checks:
- YAML syntax validity
- Storage backend selection and its required settings
- Provider credentials, redirect URIs and provider order
- PKCE store selection`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printSummary(w io.Writer, cfg *config.Config) {
	_, _ = fmt.Fprintln(w, "Configuration is valid")
	_, _ = fmt.Fprintf(w, "  Address: %s\n", cfg.Server.Address)
	_, _ = fmt.Fprintf(w, "  Protocol endpoint: %s\n", cfg.Server.MCPPath)
	_, _ = fmt.Fprintf(w, "  Storage: %s (shared: %t)\n", cfg.Storage.Type, cfg.UsesSharedStore())

	pkceStore := cfg.PKCE.Store
	if pkceStore == "" {
		pkceStore = "follows storage"
	}
	_, _ = fmt.Fprintf(w, "  PKCE store: %s\n", pkceStore)

	var enabled []string
	for _, name := range cfg.Providers.OrderedNames() {
		if creds, ok := cfg.Providers.Credentials(name); ok && creds.Configured() {
			enabled = append(enabled, name)
		}
	}
	if len(enabled) == 0 {
		_, _ = fmt.Fprintln(w, "  Providers: none configured")
		return
	}
	_, _ = fmt.Fprintf(w, "  Providers: %v\n", enabled)
}
