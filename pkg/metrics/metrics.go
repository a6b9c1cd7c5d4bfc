package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the sink and the pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsWritten    prometheus.Counter
	BytesWritten     prometheus.Counter
	EventsSuppressed prometheus.Counter
	ResolutionGaps   prometheus.Counter
	Rotations        prometheus.Counter
	RotationErrors   prometheus.Counter
	WriteErrors      prometheus.Counter
	Evictions        prometheus.Counter
	OpenHandles      prometheus.Gauge

	ProcessorDrops prometheus.Counter
	OutputErrors   prometheus.Counter
	BufferDropped  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "spoolsink_events_written_total",
			Help: "Total number of events appended to active buffer files",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "spoolsink_bytes_written_total",
			Help: "Total number of bytes appended to active buffer files",
		}),
		EventsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "spoolsink_events_suppressed_total",
			Help: "Total number of events skipped by the sink condition",
		}),
		ResolutionGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "spoolsink_resolution_gaps_total",
			Help: "Total number of events whose templates referenced missing fields",
		}),
		Rotations: f.NewCounter(prometheus.CounterOpts{
			Name: "spoolsink_rotations_total",
			Help: "Total number of buffer files handed off to the spooling directory",
		}),
		RotationErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "spoolsink_rotation_errors_total",
			Help: "Total number of failed rotations",
		}),
		WriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "spoolsink_write_errors_total",
			Help: "Total number of failed event writes",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "spoolsink_idle_evictions_total",
			Help: "Total number of file handles closed for being idle",
		}),
		OpenHandles: f.NewGauge(prometheus.GaugeOpts{
			Name: "spoolsink_open_handles",
			Help: "Current number of cached open file handles",
		}),
		ProcessorDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "spoolsink_pipeline_processor_drops_total",
			Help: "Total number of entries dropped by the processor chain",
		}),
		OutputErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "spoolsink_pipeline_output_errors_total",
			Help: "Total number of batches whose output reported an error",
		}),
		BufferDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "spoolsink_ingest_buffer_dropped_total",
			Help: "Total number of ingested lines dropped because the buffer was full",
		}),
	}
}

func (m *Metrics) IncrementWritten(bytes int) {
	if m == nil {
		return
	}
	m.EventsWritten.Inc()
	m.BytesWritten.Add(float64(bytes))
}

func (m *Metrics) IncrementSuppressed() {
	if m == nil {
		return
	}
	m.EventsSuppressed.Inc()
}

func (m *Metrics) IncrementResolutionGaps() {
	if m == nil {
		return
	}
	m.ResolutionGaps.Inc()
}

func (m *Metrics) IncrementRotations() {
	if m == nil {
		return
	}
	m.Rotations.Inc()
}

func (m *Metrics) IncrementRotationErrors() {
	if m == nil {
		return
	}
	m.RotationErrors.Inc()
}

func (m *Metrics) IncrementWriteErrors() {
	if m == nil {
		return
	}
	m.WriteErrors.Inc()
}

func (m *Metrics) AddEvictions(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Evictions.Add(float64(n))
}

// AddOpenHandles moves the open handle gauge by delta. Every handle cache
// in the process reports its own opens and closes here.
func (m *Metrics) AddOpenHandles(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.OpenHandles.Add(float64(delta))
}

func (m *Metrics) IncrementProcessorDrops() {
	if m == nil {
		return
	}
	m.ProcessorDrops.Inc()
}

func (m *Metrics) IncrementOutputErrors() {
	if m == nil {
		return
	}
	m.OutputErrors.Inc()
}

func (m *Metrics) IncrementBufferDropped() {
	if m == nil {
		return
	}
	m.BufferDropped.Inc()
}
