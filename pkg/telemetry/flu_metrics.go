package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// countedOps lists the FLU operations that get their own named counter,
// each labeled by outcome. status is traced and timed but not counted
// individually — it isn't part of the shared-log write path a dashboard
// would chart per-operation throughput for. stop is neither traced nor
// recorded.
var countedOps = map[string]string{
	"write": "flu_write_total",
	"read":  "flu_read_total",
	"trim":  "flu_trim_total",
	"fill":  "flu_fill_total",
	"seal":  "flu_seal_total",
}

// FLUMetrics groups the instruments a FLU instance reports through. It is
// built once from a Telemetry's Meter and handed to the FLU actor, which
// records an outcome after every dispatched operation.
type FLUMetrics struct {
	counters  map[string]metric.Int64Counter
	latency   metric.Float64Histogram
	tailGauge metric.Int64ObservableGauge
	trimGauge metric.Int64ObservableGauge
}

// TailObserver supplies the current tail position for the observable
// gauges; the FLU actor implements this without exposing its internals.
type TailObserver interface {
	MaxLogicalPage() uint64
	TrimWatermark() uint64
}

// NewFLUMetrics registers the FLU instrument set against meter. obs, if
// non-nil, backs two observable gauges (max_logical_page, trim_watermark)
// sampled at collection time.
func NewFLUMetrics(meter metric.Meter, obs TailObserver) (*FLUMetrics, error) {
	counters := make(map[string]metric.Int64Counter, len(countedOps))
	for op, name := range countedOps {
		c, err := meter.Int64Counter(name,
			metric.WithDescription(fmt.Sprintf("Count of FLU %s operations by outcome", op)))
		if err != nil {
			return nil, fmt.Errorf("telemetry: creating %s counter: %w", name, err)
		}
		counters[op] = c
	}

	latency, err := meter.Float64Histogram("flu_operation_latency_seconds",
		metric.WithDescription("FLU operation latency in seconds"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating latency histogram: %w", err)
	}

	fm := &FLUMetrics{counters: counters, latency: latency}

	if obs != nil {
		tailGauge, err := meter.Int64ObservableGauge("flu_max_logical_page",
			metric.WithDescription("Largest LPN ever committed-written"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(obs.MaxLogicalPage()))
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: creating tail gauge: %w", err)
		}
		trimGauge, err := meter.Int64ObservableGauge("flu_trim_watermark",
			metric.WithDescription("Maximum LPN ever trimmed or filled"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(obs.TrimWatermark()))
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: creating trim gauge: %w", err)
		}
		fm.tailGauge, fm.trimGauge = tailGauge, trimGauge
	}

	return fm, nil
}

// Record notes one completed operation's outcome and latency. Only the
// operations named in countedOps increment a per-op counter; every
// operation still contributes to the shared latency histogram.
func (m *FLUMetrics) Record(ctx context.Context, op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	outcomeAttr := metric.WithAttributes(attribute.String("outcome", outcome))
	if c, ok := m.counters[op]; ok {
		c.Add(ctx, 1, outcomeAttr)
	}
	m.latency.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}
