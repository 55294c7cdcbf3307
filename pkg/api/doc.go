// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the authcore HTTP server.
//
// A Server mounts:
//   - the OAuth routes under /auth, plus /register and /health
//   - Prometheus metrics on /metrics
//   - the streamable HTTP protocol endpoint (default /mcp), whose sessions
//     live in the shared metadata store so any process can serve them
//
// Example usage:
//
//	srv, err := api.NewServer(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	return srv.Start(ctx)
package api
