package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "register_entries_appended_total",
		Help: "Total entries appended to the register.",
	})

	branchRowsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "register_branch_rows_pruned_total",
		Help: "Total cached branch hashes removed after an append.",
	})

	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "register_events_published_total",
		Help: "Total change events published by delivery status.",
	}, []string{"status"})

	proofsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "register_proofs_total",
		Help: "Total proofs generated by kind.",
	}, []string{"kind"})
)

func recordPublish(success bool) {
	if success {
		eventsPublishedTotal.WithLabelValues("success").Inc()
	} else {
		eventsPublishedTotal.WithLabelValues("failure").Inc()
	}
}
