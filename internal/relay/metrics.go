package relay

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	deliveries *prometheus.CounterVec
	retries    *prometheus.CounterVec
	cursor     *prometheus.GaugeVec
	halted     *prometheus.GaugeVec
	leaseHeld  *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gmp_relay_deliveries_total",
			Help: "Messages whose delivery settled, by outcome",
		}, []string{"src_chain", "dst_chain", "outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gmp_relay_retries_total",
			Help: "Delivery attempts left for the next tick",
		}, []string{"src_chain", "dst_chain"}),
		cursor: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gmp_relay_cursor_nonce",
			Help: "Last relayed nonce per route",
		}, []string{"src_chain", "dst_chain"}),
		halted: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gmp_relay_route_halted",
			Help: "1 when a route stopped on an authorization or trust error",
		}, []string{"src_chain", "dst_chain"}),
		leaseHeld: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gmp_relay_lease_held",
			Help: "1 while this replica drives the source chain",
		}, []string{"src_chain"}),
	}
}

func chainLabel(id uint64) string { return strconv.FormatUint(id, 10) }
