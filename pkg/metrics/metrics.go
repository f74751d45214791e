// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package metrics holds the small set of internal counters and gauges the
// core exposes for an external RPC/trace layer to scrape (spec section 1
// keeps trace collectors themselves out of scope; this is the surface they
// would read from).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the set of metrics a target runtime registers once and passes
// to every component constructor.
type Registry struct {
	ReservationConflicts *prometheus.CounterVec
	ReservationMutations *prometheus.CounterVec
	NamespaceGeneration  *prometheus.GaugeVec
	AERQueueDepth        *prometheus.GaugeVec
	AuthTransitions      *prometheus.CounterVec
	AuthFailures         *prometheus.CounterVec
}

// NewRegistry creates a Registry and registers its collectors with reg. Pass
// prometheus.NewRegistry() in production, or nil to use the default global
// registerer as the teacher's indirect dependency on client_golang implies.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Registry{
		ReservationConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmf",
			Subsystem: "reservation",
			Name:      "conflicts_total",
			Help:      "Reservation commands rejected with a reservation conflict.",
		}, []string{"subnqn", "nsid"}),
		ReservationMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmf",
			Subsystem: "reservation",
			Name:      "mutations_total",
			Help:      "Successful reservation register/acquire/release/preempt operations.",
		}, []string{"subnqn", "nsid", "op"}),
		NamespaceGeneration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nvmf",
			Subsystem: "reservation",
			Name:      "generation",
			Help:      "Current reservation generation counter of a namespace.",
		}, []string{"subnqn", "nsid"}),
		AERQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nvmf",
			Subsystem: "controller",
			Name:      "aer_queue_depth",
			Help:      "Pending AER requests held by a controller (max 4).",
		}, []string{"subnqn", "cntlid"}),
		AuthTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmf",
			Subsystem: "auth",
			Name:      "state_transitions_total",
			Help:      "DH-CHAP qpair auth state machine transitions.",
		}, []string{"from", "to"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmf",
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "DH-CHAP authentication failures by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.ReservationConflicts,
		m.ReservationMutations,
		m.NamespaceGeneration,
		m.AERQueueDepth,
		m.AuthTransitions,
		m.AuthFailures,
	)
	return m
}
