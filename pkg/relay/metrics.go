// Copyright 2024-2026 Aiku AI

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. All counters are
// best-effort observability; the relay path never depends on them.
type Metrics struct {
	Relayed          prometheus.Counter
	Rejected         *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
	EditCascades     prometheus.Counter
	DeleteCascades   prometheus.Counter
	BanSweepDeletes  prometheus.Counter
}

// NewMetrics creates and registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wormhole_messages_relayed_total",
			Help: "Messages accepted and fanned out to at least one destination.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wormhole_messages_rejected_total",
			Help: "Messages rejected by the moderation pipeline, by reason.",
		}, []string{"reason"}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wormhole_delivery_failures_total",
			Help: "Per-destination delivery failures (isolated, never retried).",
		}),
		EditCascades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wormhole_edit_cascades_total",
			Help: "Edit events propagated to existing copies.",
		}),
		DeleteCascades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wormhole_delete_cascades_total",
			Help: "Delete events propagated to existing copies.",
		}),
		BanSweepDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wormhole_ban_sweep_deletes_total",
			Help: "Messages removed by ban history sweeps.",
		}),
	}
	reg.MustRegister(m.Relayed, m.Rejected, m.DeliveryFailures,
		m.EditCascades, m.DeleteCascades, m.BanSweepDeletes)
	return m
}
