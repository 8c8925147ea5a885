package ingest

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records ingestion throughput via OpenTelemetry. All methods are
// nil-safe so the supervisor works without telemetry wiring.
type Metrics struct {
	frames      metric.Int64Counter
	parseErrors metric.Int64Counter
	events      metric.Int64Counter
	reconnects  metric.Int64Counter
	venue       attribute.KeyValue
}

// NewMetrics builds the ingestion instruments on the provided meter provider.
func NewMetrics(mp metric.MeterProvider, venue string) (*Metrics, error) {
	meter := mp.Meter("strand/ingest")

	frames, err := meter.Int64Counter("ingest.frames",
		metric.WithDescription("Raw frames received from the venue websocket."))
	if err != nil {
		return nil, err
	}
	parseErrors, err := meter.Int64Counter("ingest.parse_errors",
		metric.WithDescription("Frames dropped because normalization failed."))
	if err != nil {
		return nil, err
	}
	events, err := meter.Int64Counter("ingest.events",
		metric.WithDescription("Normalized events pushed into the dispatcher."))
	if err != nil {
		return nil, err
	}
	reconnects, err := meter.Int64Counter("ingest.reconnects",
		metric.WithDescription("Reconnection attempts."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		frames:      frames,
		parseErrors: parseErrors,
		events:      events,
		reconnects:  reconnects,
		venue:       attribute.String("venue", venue),
	}, nil
}

func (m *Metrics) addFrame(ctx context.Context) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(m.venue))
}

func (m *Metrics) addParseError(ctx context.Context) {
	if m == nil {
		return
	}
	m.parseErrors.Add(ctx, 1, metric.WithAttributes(m.venue))
}

func (m *Metrics) addEvent(ctx context.Context) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(m.venue))
}

func (m *Metrics) addReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(m.venue))
}
