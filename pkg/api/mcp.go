// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/authcore/pkg/logger"
	"github.com/stacklok/authcore/pkg/transport/session"
	"github.com/stacklok/authcore/pkg/versions"
)

const (
	mcpServerName = "authcore"
	whoamiTool    = "whoami"
)

// whoamiResult is the payload of the whoami tool.
type whoamiResult struct {
	SessionID     string         `json:"session_id"`
	Authenticated bool           `json:"authenticated"`
	Subject       string         `json:"sub,omitempty"`
	Email         string         `json:"email,omitempty"`
	Name          string         `json:"name,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// sdkTransport is the SDK's in-process session state. Closing it drops
// the session from the SDK, so a session discarded by the manager stops
// receiving notifications here.
type sdkTransport struct {
	server    *server.MCPServer
	sessionID string
}

func (t *sdkTransport) Close() error {
	t.server.UnregisterSession(context.Background(), t.sessionID)
	return nil
}

// newMCPServer builds the protocol server. Its only tool reports the
// identity bound to the calling session.
func newMCPServer(sessions *session.Manager) *server.MCPServer {
	var mcpServer *server.MCPServer

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, clientSession server.ClientSession) {
		sessionID := clientSession.SessionID()
		t := &sdkTransport{server: mcpServer, sessionID: sessionID}
		if err := sessions.BindTransport(ctx, sessionID, t); err != nil {
			logger.Debugw("SDK session has no shared record", "session_id", sessionID, "error", err)
		}
	})

	mcpServer = server.NewMCPServer(
		mcpServerName,
		versions.GetVersionInfo().Version,
		server.WithToolCapabilities(false),
		server.WithHooks(hooks),
	)

	mcpServer.AddTool(
		mcp.NewTool(whoamiTool,
			mcp.WithDescription("Return the identity bound to the current session"),
		),
		whoamiHandler(sessions),
	)
	return mcpServer
}

func whoamiHandler(sessions *session.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clientSession := server.ClientSessionFromContext(ctx)
		if clientSession == nil || clientSession.SessionID() == "" {
			return mcp.NewToolResultError("no session"), nil
		}
		sessionID := clientSession.SessionID()

		inst, err := sessions.Get(ctx, sessionID)
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionTerminated) {
				return mcp.NewToolResultError("session not found"), nil
			}
			return nil, err
		}

		result := whoamiResult{SessionID: sessionID}
		if user, ok := inst.UserInfo(); ok {
			result.Authenticated = true
			result.Subject = user.Sub
			result.Email = user.Email
			result.Name = user.Name
			result.Provider = user.Provider
			result.Extra = user.Extra
		}

		data, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}
