// Package observe holds the OpenTelemetry instruments shared by the
// recognition front ends. Tests build their own instance with NewMetrics and
// an sdk ManualReader instead of the global provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-stt"

// Metrics holds the recognition instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// SessionsActive tracks live recognition sessions. Use with attribute:
	//   attribute.String("source", "bus"|"websocket")
	SessionsActive metric.Int64UpDownCounter

	// Utterances counts finalized utterances with non-empty text.
	Utterances metric.Int64Counter

	// FeedDuration tracks how long one chunk of audio takes to decode.
	FeedDuration metric.Float64Histogram

	// DecodeErrors counts engine and result decoding failures.
	DecodeErrors metric.Int64Counter

	// FramesDropped counts audio frames discarded before decoding. Use with
	// attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// SessionsRejected counts sessions refused because the node is full.
	SessionsRejected metric.Int64Counter
}

// Feed latencies are short; a chunk of 100ms audio should decode well under it.
var feedBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates the instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionsActive, err = m.Int64UpDownCounter("loqa.stt.sessions.active",
		metric.WithDescription("Number of live recognition sessions."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("loqa.stt.utterances",
		metric.WithDescription("Total finalized utterances."),
	); err != nil {
		return nil, err
	}
	if met.FeedDuration, err = m.Float64Histogram("loqa.stt.feed.duration",
		metric.WithDescription("Latency of feeding one audio chunk to the engine."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(feedBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("loqa.stt.decode.errors",
		metric.WithDescription("Total engine or result decoding failures."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("loqa.stt.frames.dropped",
		metric.WithDescription("Audio frames discarded before decoding, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("loqa.stt.sessions.rejected",
		metric.WithDescription("Sessions refused because max_sessions was reached."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns instruments on the global meter provider. Call it
// after telemetry setup has installed the provider.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// SessionOpened increments the live-session gauge for source.
func (m *Metrics) SessionOpened(ctx context.Context, source string) {
	m.SessionsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// SessionClosed decrements the live-session gauge for source.
func (m *Metrics) SessionClosed(ctx context.Context, source string) {
	m.SessionsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordFeed records the decode latency of one chunk.
func (m *Metrics) RecordFeed(ctx context.Context, source string, d time.Duration) {
	m.FeedDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("source", source)))
}

// RecordUtterance counts a finalized utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, source string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordDecodeError counts an engine failure.
func (m *Metrics) RecordDecodeError(ctx context.Context, source string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordDrop counts a discarded frame.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
