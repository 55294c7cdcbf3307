// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit defines the fire-and-forget sink that OAuth and session
// lifecycle events are emitted to.
//
// Emission never blocks a request and never fails it: a Sink implementation
// is expected to swallow (and at most log) its own errors. Forwarding events
// to an OCSF or OpenTelemetry pipeline is left to Sink implementations
// outside this module.
package audit
