package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cloo-solutions/forensix/internal/domain"
)

const meterName = "github.com/cloo-solutions/forensix/pipeline"

// Metric names.
const (
	MetricStageDuration     = "forensics_stage_duration_ms"
	MetricPipelineDuration  = "forensics_pipeline_duration_ms"
	MetricReportsTotal      = "forensics_reports_total"
	MetricPipelineFallbacks = "forensics_pipeline_fallbacks_total"
)

// Metrics records pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	stageDuration    metric.Float64Histogram
	pipelineDuration metric.Float64Histogram
	reports          metric.Int64Counter
	fallbacks        metric.Int64Counter
}

// NewMetrics creates the pipeline instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	stageDuration, err := meter.Float64Histogram(MetricStageDuration,
		metric.WithDescription("Duration of one analyzer stage"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricStageDuration, err)
	}

	pipelineDuration, err := meter.Float64Histogram(MetricPipelineDuration,
		metric.WithDescription("Duration of a full pipeline run"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricPipelineDuration, err)
	}

	reports, err := meter.Int64Counter(MetricReportsTotal,
		metric.WithDescription("Reports committed to the ledger"))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricReportsTotal, err)
	}

	fallbacks, err := meter.Int64Counter(MetricPipelineFallbacks,
		metric.WithDescription("Stages that ended degraded or failed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricPipelineFallbacks, err)
	}

	return &Metrics{
		stageDuration:    stageDuration,
		pipelineDuration: pipelineDuration,
		reports:          reports,
		fallbacks:        fallbacks,
	}, nil
}

// NopMetrics returns instruments backed by the no-op provider.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// RecordStage records one stage duration, labelled by stage and status.
func (m *Metrics) RecordStage(ctx context.Context, stage string, status domain.StageStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", string(status)),
	))
}

// RecordPipeline records a committed report and its fallbacks.
func (m *Metrics) RecordPipeline(ctx context.Context, d time.Duration, fallbacks []string) {
	if m == nil {
		return
	}
	m.pipelineDuration.Record(ctx, float64(d.Milliseconds()))
	m.reports.Add(ctx, 1)
	for _, stage := range fallbacks {
		m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// Registry is an in-process metric reader the daemon exposes over HTTP.
type Registry struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// NewRegistry creates a meter provider backed by a manual reader.
func NewRegistry() *Registry {
	reader := sdkmetric.NewManualReader()
	return &Registry{
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		reader:   reader,
	}
}

// MeterProvider returns the provider to build instruments on.
func (r *Registry) MeterProvider() metric.MeterProvider {
	return r.provider
}

// Shutdown flushes and stops the provider.
func (r *Registry) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}

// Point is one flattened data point.
type Point struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      int64             `json:"value,omitempty"`
	Count      uint64            `json:"count,omitempty"`
	Sum        float64           `json:"sum,omitempty"`
}

// Snapshot collects current values of every instrument, sorted by name.
func (r *Registry) Snapshot(ctx context.Context) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}

	var points []Point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					points = append(points, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: dp.Value})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					points = append(points, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Count: dp.Count, Sum: dp.Sum})
				}
			}
		}
	}

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Name < points[j].Name
	})
	return points, nil
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
