package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "worldsim"

// Metrics holds the instruments recorded by a narration cycle.
type Metrics struct {
	// Cycles counts finished cycles. Attribute: status (success|failure|rejected).
	Cycles metric.Int64Counter
	// Mutations counts applier outcomes. Attributes: type, outcome.
	Mutations metric.Int64Counter
	// NarrationChunks counts non-empty streamed chunks.
	NarrationChunks metric.Int64Counter

	NarrationDuration  metric.Float64Histogram
	ExtractionDuration metric.Float64Histogram
}

// llmBuckets covers streamed narrations, which routinely run tens of seconds.
var llmBuckets = []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80}

// NewMetrics creates every instrument on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Cycles, err = m.Int64Counter("worldsim.cycles",
		metric.WithDescription("Narration cycles by final status."),
	); err != nil {
		return nil, err
	}
	if met.Mutations, err = m.Int64Counter("worldsim.mutations",
		metric.WithDescription("Proposed mutations by type and outcome."),
	); err != nil {
		return nil, err
	}
	if met.NarrationChunks, err = m.Int64Counter("worldsim.narration.chunks",
		metric.WithDescription("Non-empty narration chunks received."),
	); err != nil {
		return nil, err
	}
	if met.NarrationDuration, err = m.Float64Histogram("worldsim.narration.duration",
		metric.WithDescription("Wall time of the streamed narration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(llmBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractionDuration, err = m.Float64Histogram("worldsim.extraction.duration",
		metric.WithDescription("Wall time of the structured extraction call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(llmBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	met, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic(fmt.Sprintf("observability: noop metrics: %v", err))
	}
	return met
}

// RecordCycle counts one cycle outcome.
func (m *Metrics) RecordCycle(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordMutation counts one applier outcome.
func (m *Metrics) RecordMutation(ctx context.Context, mutationType, outcome string) {
	if m == nil {
		return
	}
	m.Mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", mutationType),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordChunk(ctx context.Context) {
	if m == nil {
		return
	}
	m.NarrationChunks.Add(ctx, 1)
}

func (m *Metrics) RecordNarration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.NarrationDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) RecordExtraction(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionDuration.Record(ctx, d.Seconds())
}

// InitMetrics installs a Prometheus-backed meter provider globally and
// returns the scrape handler alongside a shutdown func.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := promexporter.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	return promhttp.Handler(), mp.Shutdown, nil
}
