package observe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestSessionGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionOpened(ctx, "bus")
	m.SessionOpened(ctx, "bus")
	m.SessionOpened(ctx, "websocket")
	m.SessionClosed(ctx, "bus")

	got := findMetric(collect(t, reader), "loqa.stt.sessions.active")
	require.NotNil(t, got)
	sum, ok := got.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64], got %T", got.Data)
	require.False(t, sum.IsMonotonic)

	values := map[string]int64{}
	for _, dp := range sum.DataPoints {
		src, _ := dp.Attributes.Value(attribute.Key("source"))
		values[src.AsString()] = dp.Value
	}
	require.Equal(t, int64(1), values["bus"])
	require.Equal(t, int64(1), values["websocket"])
}

func TestFeedHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFeed(ctx, "bus", 2*time.Millisecond)
	m.RecordFeed(ctx, "bus", 30*time.Millisecond)

	got := findMetric(collect(t, reader), "loqa.stt.feed.duration")
	require.NotNil(t, got)
	hist, ok := got.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected Histogram[float64], got %T", got.Data)
	require.Len(t, hist.DataPoints, 1)
	require.Equal(t, uint64(2), hist.DataPoints[0].Count)
	require.InDelta(t, 0.032, hist.DataPoints[0].Sum, 1e-9)
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUtterance(ctx, "bus")
	m.RecordUtterance(ctx, "bus")
	m.RecordDecodeError(ctx, "websocket")
	m.RecordDrop(ctx, "sequence")
	m.SessionsRejected.Add(ctx, 3)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"loqa.stt.utterances":        2,
		"loqa.stt.decode.errors":     1,
		"loqa.stt.frames.dropped":    1,
		"loqa.stt.sessions.rejected": 3,
	} {
		got := findMetric(rm, name)
		require.NotNil(t, got, name)
		sum, ok := got.Data.(metricdata.Sum[int64])
		require.True(t, ok, name)
		var total int64
		for _, dp := range sum.DataPoints {
			total += dp.Value
		}
		require.Equal(t, want, total, name)
	}
}
