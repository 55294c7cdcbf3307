// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"

	"github.com/stacklok/authcore/pkg/logger"
)

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks -source=sink.go Sink

// Sink receives audit events. Emit must not block on I/O and must not panic.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NopSink drops every event.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, Event) {}

// LogSink writes events to the process logger at info level.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(_ context.Context, event Event) {
	logger.Infow("audit event",
		"type", event.Type,
		"outcome", event.Outcome,
		"provider", event.Provider,
		"subject", event.Subject,
		"session_id", event.SessionID,
		"reason", event.Reason,
		"timestamp", event.Timestamp,
	)
}

// OrNop returns s, or NopSink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return NopSink{}
	}
	return s
}
