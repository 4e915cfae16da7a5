package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeflux_polls_total",
			Help: "Device refresh attempts by outcome",
		},
		[]string{"device_id", "outcome"},
	)

	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeflux_reconnects_total",
			Help: "Reconnect attempts scheduled per device",
		},
		[]string{"device_id"},
	)

	ConnectedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homeflux_connected_devices",
			Help: "Devices currently in connected state",
		},
	)

	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeflux_samples_ingested_total",
			Help: "Raw samples accepted by the aggregator",
		},
		[]string{"source_id"},
	)

	FlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "homeflux_flushes_total",
			Help: "Aggregation window flushes performed",
		},
	)

	PointsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeflux_points_written_total",
			Help: "Points written to the sink by measurement",
		},
		[]string{"measurement"},
	)

	PricePointsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homeflux_price_points_total",
			Help: "Price points generated per tariff",
		},
		[]string{"tariff"},
	)
)

// Serve exposes /metrics on its own listener, off the API port.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
}
