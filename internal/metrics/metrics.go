// Package metrics exposes capture engine counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RecorderMetrics contains Prometheus metrics for the capture engine. All
// methods are safe to call on a nil receiver.
//
// The frame and MIDI event counters are touched from the real-time thread, so
// they are plain counters resolved once at construction.
type RecorderMetrics struct {
	registry *prometheus.Registry

	framesPushed  prometheus.Counter
	framesDropped prometheus.Counter
	framesWritten prometheus.Counter
	midiCaptured  prometheus.Counter
	midiSkipped   prometheus.Counter
	midiDropped   prometheus.Counter

	sessionsTotal *prometheus.CounterVec
	recording     *prometheus.GaugeVec
	flushDuration prometheus.Histogram
}

// NewRecorderMetrics creates and registers the capture metrics
func NewRecorderMetrics(registry *prometheus.Registry) (*RecorderMetrics, error) {
	m := &RecorderMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *RecorderMetrics) initMetrics() {
	m.framesPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jamrec_audio_frames_pushed_total",
		Help: "Audio frames accepted by the write pipeline",
	})
	m.framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jamrec_audio_frames_dropped_total",
		Help: "Audio frames dropped because the ring buffer was full",
	})
	m.framesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jamrec_audio_frames_written_total",
		Help: "Audio frames handed to the encoder",
	})
	m.midiCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jamrec_midi_events_captured_total",
		Help: "MIDI events written to saved files",
	})
	m.midiSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jamrec_midi_events_skipped_total",
		Help: "MIDI events that could not be stored in a standard MIDI file",
	})
	m.midiDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jamrec_midi_events_dropped_total",
		Help: "MIDI events dropped because the capture buffer was full",
	})
	m.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jamrec_sessions_total",
			Help: "Recording start and stop operations",
		},
		[]string{"stream", "operation", "result"}, // stream: audio, midi; result: success, error, noop
	)
	m.recording = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jamrec_recording",
			Help: "1 while the stream is recording",
		},
		[]string{"stream"},
	)
	m.flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jamrec_pipeline_flush_seconds",
		Help:    "Time taken to drain and finalize an audio file on stop",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	})
}

func (m *RecorderMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.framesPushed.Describe(ch)
	m.framesDropped.Describe(ch)
	m.framesWritten.Describe(ch)
	m.midiCaptured.Describe(ch)
	m.midiSkipped.Describe(ch)
	m.midiDropped.Describe(ch)
	m.sessionsTotal.Describe(ch)
	m.recording.Describe(ch)
	m.flushDuration.Describe(ch)
}

func (m *RecorderMetrics) Collect(ch chan<- prometheus.Metric) {
	m.framesPushed.Collect(ch)
	m.framesDropped.Collect(ch)
	m.framesWritten.Collect(ch)
	m.midiCaptured.Collect(ch)
	m.midiSkipped.Collect(ch)
	m.midiDropped.Collect(ch)
	m.sessionsTotal.Collect(ch)
	m.recording.Collect(ch)
	m.flushDuration.Collect(ch)
}

func (m *RecorderMetrics) FramesPushed(n int) {
	if m == nil {
		return
	}
	m.framesPushed.Add(float64(n))
}

func (m *RecorderMetrics) FramesDropped(n int) {
	if m == nil {
		return
	}
	m.framesDropped.Add(float64(n))
}

func (m *RecorderMetrics) FramesWritten(n int) {
	if m == nil {
		return
	}
	m.framesWritten.Add(float64(n))
}

func (m *RecorderMetrics) FlushDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(d.Seconds())
}

// MidiSaved records the outcome of serializing a MIDI take.
func (m *RecorderMetrics) MidiSaved(written, skipped, dropped int) {
	if m == nil {
		return
	}
	m.midiCaptured.Add(float64(written))
	m.midiSkipped.Add(float64(skipped))
	m.midiDropped.Add(float64(dropped))
}

// RecordSession counts a start or stop request and tracks the recording gauge.
func (m *RecorderMetrics) RecordSession(stream, operation, result string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(stream, operation, result).Inc()
}

func (m *RecorderMetrics) SetRecording(stream string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.recording.WithLabelValues(stream).Set(v)
}
