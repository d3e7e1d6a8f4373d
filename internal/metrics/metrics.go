// Package metrics holds the prometheus collectors of the register mapper.
package metrics

import (
	"errors"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "register_mapper"

type Metrics struct {
	Operations *prometheus.CounterVec
	Errors     *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Records    *prometheus.GaugeVec
	Devices    prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Device read and write calls.",
		}, []string{"device", "op"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed device calls by error kind.",
		}, []string{"device", "op", "kind"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of device read and write calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"device", "op"}),
		Records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Records produced by the last readout.",
		}, []string{"device"}),
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Device clients currently open.",
		}),
	}
	reg.MustRegister(m.Operations, m.Errors, m.Duration, m.Records, m.Devices)
	return m
}

// Observe records one finished call.
func (m *Metrics) Observe(device, op string, start time.Time, err error) {
	m.Operations.WithLabelValues(device, op).Inc()
	m.Duration.WithLabelValues(device, op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.Errors.WithLabelValues(device, op, Kind(err)).Inc()
	}
}

// Kind labels an error by its kind.
func Kind(err error) string {
	var e *types.Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	return "internal"
}
