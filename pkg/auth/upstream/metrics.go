// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation names used as metric labels.
const (
	opAuthorize = "authorize"
	opCallback  = "callback"
	opExchange  = "exchange"
	opRefresh   = "refresh"
	opLogout    = "logout"
	opUserInfo  = "userinfo"
	opRevoke    = "revoke"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics counts provider operations and times upstream calls.
// A nil *Metrics records nothing.
type Metrics struct {
	operations       *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// NewMetrics registers the provider collectors with reg. Collectors already
// registered by another provider on the same registry are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_provider_operations_total",
		Help: "OAuth provider operations by outcome",
	}, []string{"provider", "operation", "outcome"})

	upstreamDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authcore_provider_upstream_duration_seconds",
		Help:    "Latency of calls to identity provider endpoints",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	var err error
	if operations, err = register(reg, operations); err != nil {
		return nil, err
	}
	if upstreamDuration, err = register(reg, upstreamDuration); err != nil {
		return nil, err
	}

	return &Metrics{operations: operations, upstreamDuration: upstreamDuration}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) record(provider, operation string, err error) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.operations.WithLabelValues(provider, operation, outcome).Inc()
}

func (m *Metrics) observe(provider, operation string, start time.Time) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}
