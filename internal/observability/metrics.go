// Package observability records attendance counters through OpenTelemetry and
// renders an in-process snapshot of them.
package observability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/harrylevesque/slqrattend/internal/models"
)

const instrumentationName = "github.com/harrylevesque/slqrattend"

// Metric names.
const (
	MetricOutcomes    = "attendance.outcomes"
	MetricFindings    = "attendance.findings"
	MetricRateLimited = "attendance.rate_limited"
	MetricVerifyTime  = "attendance.verify.duration"
)

// Provider owns a meter provider backed by a manual reader, so counters can be
// read back without an exporter.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	reader        *sdkmetric.ManualReader
}

// NewProvider creates a Provider. When global is set it is also installed as
// the otel global meter provider.
func NewProvider(global bool) *Provider {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	if global {
		otel.SetMeterProvider(mp)
	}
	return &Provider{meterProvider: mp, reader: reader}
}

// Meter returns the attendance meter.
func (p *Provider) Meter() metric.Meter {
	return p.meterProvider.Meter(instrumentationName)
}

// Shutdown stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}

// Point is one collected data point.
type Point struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// Snapshot collects the current value of every instrument, sorted by name.
func (p *Provider) Snapshot(ctx context.Context) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	var out []Point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out = append(out, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: float64(dp.Value)})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out = append(out, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: dp.Sum, Count: dp.Count})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return fmt.Sprint(out[i].Attributes) < fmt.Sprint(out[j].Attributes)
	})
	return out, nil
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	m := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

// Recorder holds the attendance instruments.
type Recorder struct {
	outcomes    metric.Int64Counter
	findings    metric.Int64Counter
	rateLimited metric.Int64Counter
	verifyTime  metric.Float64Histogram
}

// NewRecorder creates the instruments on meter. A nil meter uses the otel
// global meter provider.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var r Recorder
	var err error
	if r.outcomes, err = meter.Int64Counter(MetricOutcomes,
		metric.WithDescription("Claims decided, by status and reject reason"),
		metric.WithUnit("{claim}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create outcomes counter: %w", err)
	}
	if r.findings, err = meter.Int64Counter(MetricFindings,
		metric.WithDescription("Anomaly findings raised, by kind and severity"),
		metric.WithUnit("{finding}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create findings counter: %w", err)
	}
	if r.rateLimited, err = meter.Int64Counter(MetricRateLimited,
		metric.WithDescription("Claims refused by the per-claimant rate limit"),
		metric.WithUnit("{claim}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}
	if r.verifyTime, err = meter.Float64Histogram(MetricVerifyTime,
		metric.WithDescription("Time spent deciding a claim"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return nil, fmt.Errorf("failed to create verify duration histogram: %w", err)
	}
	return &r, nil
}

// Outcome counts a decided claim and its findings.
func (r *Recorder) Outcome(ctx context.Context, o *models.AttendanceOutcome, elapsed time.Duration) {
	r.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(o.Status)),
		attribute.String("reason", string(o.RejectReason)),
	))
	for _, f := range o.Anomalies {
		r.findings.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(f.Kind)),
			attribute.String("severity", string(f.Severity)),
		))
	}
	r.verifyTime.Record(ctx, elapsed.Seconds())
}

// RateLimited counts a refused claim.
func (r *Recorder) RateLimited(ctx context.Context) {
	r.rateLimited.Add(ctx, 1)
}
