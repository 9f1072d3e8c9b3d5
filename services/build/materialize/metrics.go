// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package materialize

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("kiln.materialize")
	meter  = otel.Meter("kiln.materialize")
)

var (
	materializeTotal    metric.Int64Counter
	materializeDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if materializeTotal, err = meter.Int64Counter(
			"kiln_materialize_total",
			metric.WithDescription("Tree materializations by outcome"),
		); err != nil {
			metricsErr = err
			return
		}
		if materializeDuration, err = meter.Float64Histogram(
			"kiln_materialize_build_duration_seconds",
			metric.WithDescription("Time spent building trees"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordMaterialize counts one outcome: hit, build or error.
func recordMaterialize(ctx context.Context, outcome string, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	materializeTotal.Add(ctx, 1, attrs)
	if outcome != "hit" {
		materializeDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "materialize."+op, trace.WithAttributes(attrs...))
}
