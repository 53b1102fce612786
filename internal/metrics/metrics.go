// Package metrics declares the Prometheus collectors served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helpdesk",
		Name:      "device_classifications_total",
		Help:      "Device classifications by resulting type and rule.",
	}, []string{"type", "rule"})

	Imports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helpdesk",
		Name:      "credential_imports_total",
		Help:      "Credential CSV imports by outcome.",
	}, []string{"outcome"})

	ImportedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "helpdesk",
		Name:      "credential_import_records_total",
		Help:      "Credential records created by CSV imports.",
	})

	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helpdesk",
		Name:      "device_sync_runs_total",
		Help:      "Device sync runs by outcome.",
	}, []string{"outcome"})

	DeviceChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "helpdesk",
		Name:      "device_changes_recorded_total",
		Help:      "Device type changes written to the change history.",
	})

	CredentialFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helpdesk",
		Name:      "credential_fetches_total",
		Help:      "Per-user credential fetches by access path.",
	}, []string{"path"})
)
