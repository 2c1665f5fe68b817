// Package telemetry registers the Prometheus collectors the core scheduler exposes: buffering
// percent, track level time, bandwidth estimate, download errors, fragment download latency,
// period advances, and flush seeks. One struct bundles the pre-registered collectors, passed
// down by reference instead of relying on package-level globals.
package telemetry

import (
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core scheduler updates.
type Metrics struct {
	BufferingPercent  *prometheus.GaugeVec
	LevelTimeSeconds  *prometheus.GaugeVec
	CurrentBandwidth  prometheus.Gauge
	DownloadErrors    *prometheus.CounterVec
	FragmentDownload  *prometheus.HistogramVec
	PeriodAdvances    prometheus.Counter
	FlushSeeks        prometheus.Counter
	GlobalOutputMicro prometheus.Gauge
}

// New constructs and registers every collector against reg. Passing prometheus.NewRegistry()
// keeps tests isolated from the default global registry; the daemon passes
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BufferingPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "adaptivedemux",
			Name:      "buffering_percent",
			Help:      "Buffering percent reported per track kind.",
		}, []string{"channel", "kind"}),
		LevelTimeSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "adaptivedemux",
			Name:      "level_time_seconds",
			Help:      "Buffered duration per track.",
		}, []string{"channel", "track"}),
		CurrentBandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "adaptivedemux",
			Name:      "current_bandwidth_bps",
			Help:      "Estimated current bandwidth.",
		}),
		DownloadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adaptivedemux",
			Name:      "download_errors_total",
			Help:      "Download errors per stream and error kind.",
		}, []string{"channel", "stream", "kind"}),
		FragmentDownload: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "adaptivedemux",
			Name:      "fragment_download_duration_seconds",
			Help:      "Fragment download latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "stream"}),
		PeriodAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adaptivedemux",
			Name:      "period_advances_total",
			Help:      "Number of times the OutputPump advanced to the next Period.",
		}),
		FlushSeeks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adaptivedemux",
			Name:      "flush_seeks_total",
			Help:      "Number of flushing seeks processed.",
		}),
		GlobalOutputMicro: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "adaptivedemux",
			Name:      "global_output_position_seconds",
			Help:      "Last computed global output running time.",
		}),
	}

	reg.MustRegister(
		m.BufferingPercent,
		m.LevelTimeSeconds,
		m.CurrentBandwidth,
		m.DownloadErrors,
		m.FragmentDownload,
		m.PeriodAdvances,
		m.FlushSeeks,
		m.GlobalOutputMicro,
	)
	return m
}

// ObserveDownloadError records a download error of the given kind for a stream.
func (m *Metrics) ObserveDownloadError(channel, streamID string, kind collab.ErrorKind) {
	m.DownloadErrors.WithLabelValues(channel, streamID, kind.String()).Inc()
}

// ObserveFragmentDownload records a fragment download's wall-clock duration.
func (m *Metrics) ObserveFragmentDownload(channel, streamID string, d time.Duration) {
	m.FragmentDownload.WithLabelValues(channel, streamID).Observe(d.Seconds())
}

// SetBuffering records a buffering-percent threshold crossing for a track kind.
func (m *Metrics) SetBuffering(channel string, kind collab.Kind, percent int) {
	m.BufferingPercent.WithLabelValues(channel, kind.String()).Set(float64(percent))
}

// SetLevelTime records a track's current buffered duration.
func (m *Metrics) SetLevelTime(channel, trackID string, d time.Duration) {
	m.LevelTimeSeconds.WithLabelValues(channel, trackID).Set(d.Seconds())
}

// SetGlobalOutput records the OutputPump's latest global output running time.
func (m *Metrics) SetGlobalOutput(d time.Duration) {
	m.GlobalOutputMicro.Set(d.Seconds())
}
