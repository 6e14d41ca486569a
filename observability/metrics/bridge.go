package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type BridgeMetrics struct {
	initiated       *prometheus.CounterVec
	finalized       prometheus.Counter
	rejected        *prometheus.CounterVec
	relayDeliveries *prometheus.CounterVec
}

var (
	bridgeOnce     sync.Once
	bridgeRegistry *BridgeMetrics
)

func Bridge() *BridgeMetrics {
	bridgeOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			initiated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nftbridge_initiated_total",
				Help: "Count of successful initiate calls by entry point.",
			}, []string{"entry"}),
			finalized: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "nftbridge_finalized_total",
				Help: "Count of successful finalize executions.",
			}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nftbridge_rejected_total",
				Help: "Count of rejected bridge operations by reason.",
			}, []string{"reason"}),
			relayDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nftbridge_relay_deliveries_total",
				Help: "Count of inbound relay deliveries by outcome.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			bridgeRegistry.initiated,
			bridgeRegistry.finalized,
			bridgeRegistry.rejected,
			bridgeRegistry.relayDeliveries,
		)
	})
	return bridgeRegistry
}

func (m *BridgeMetrics) ObserveInitiated(entry string) {
	if m == nil {
		return
	}
	if entry == "" {
		entry = "unknown"
	}
	m.initiated.WithLabelValues(entry).Inc()
}

func (m *BridgeMetrics) ObserveFinalized() {
	if m == nil {
		return
	}
	m.finalized.Inc()
}

func (m *BridgeMetrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *BridgeMetrics) ObserveRelayDelivery(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.relayDeliveries.WithLabelValues(status).Inc()
}
