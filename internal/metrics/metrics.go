// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "usersupport"

type Metrics struct {
	// Traffic popped from the counter store, by user id.
	UploadBytes   *prometheus.CounterVec
	DownloadBytes *prometheus.CounterVec
	ReportErrors  prometheus.Counter

	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	AuthFailures       prometheus.Counter
	AccountingErrors   prometheus.Counter
	UpstreamErrors     *prometheus.CounterVec
	RegistryEntries    prometheus.GaugeFunc
	registryEntriesSrc func() int
}

// New registers all metrics with reg. entries reports the number of live
// connection bindings and may be nil.
func New(reg prometheus.Registerer, entries func() int) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		UploadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_upload_bytes_total",
			Help:      "Bytes uploaded by each user, as collected from the counter store",
		}, []string{"user_id"}),
		DownloadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_download_bytes_total",
			Help:      "Bytes downloaded by each user, as collected from the counter store",
		}, []string{"user_id"}),
		ReportErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_errors_total",
			Help:      "Failed counter pops during reporting",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open client connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total client connections accepted",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests rejected for missing or bad credentials",
		}),
		AccountingErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounting_errors_total",
			Help:      "Traffic increments that failed against the counter store",
		}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failures reaching the requested upstream, by kind",
		}, []string{"kind"}),
		registryEntriesSrc: entries,
	}
	m.RegistryEntries = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_entries",
		Help:      "Connections currently bound to a user",
	}, m.registryEntries)

	return m
}

func (m *Metrics) registryEntries() float64 {
	if m.registryEntriesSrc == nil {
		return 0
	}
	return float64(m.registryEntriesSrc())
}
