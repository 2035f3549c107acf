// Package metrics declares the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ProposalsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_proposals_submitted_total",
		Help: "Proposal submissions by outcome (created or updated in place).",
	}, []string{"outcome"})

	ProposalsReviewed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_proposals_reviewed_total",
		Help: "Proposals moved out of pending, by resulting status.",
	}, []string{"status"})

	RevertMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_revert_misses_total",
		Help: "Blocks the revert engine could not place, by hunk kind.",
	}, []string{"kind"})

	AutosaveWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_autosave_writes_total",
		Help: "Debounced leader writes by result.",
	}, []string{"result"})

	LeaderElections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_leader_elections_total",
		Help: "Roster changes that produced a different leader.",
	})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coedit_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)

func init() {
	prometheus.MustRegister(
		ProposalsSubmitted,
		ProposalsReviewed,
		RevertMisses,
		AutosaveWrites,
		LeaderElections,
		HTTPDuration,
	)
}
