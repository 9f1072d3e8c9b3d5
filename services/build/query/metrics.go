// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

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
	tracer = otel.Tracer("kiln.query")
	meter  = otel.Meter("kiln.query")
)

var (
	queryRuns     metric.Int64Counter
	queryDuration metric.Float64Histogram
	activeQueries metric.Int64UpDownCounter
	ticketWait    metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if queryRuns, err = meter.Int64Counter(
			"kiln_query_runs_total",
			metric.WithDescription("Query executions by kind and outcome"),
		); err != nil {
			metricsErr = err
			return
		}
		if queryDuration, err = meter.Float64Histogram(
			"kiln_query_duration_seconds",
			metric.WithDescription("Time spent executing queries"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		if activeQueries, err = meter.Int64UpDownCounter(
			"kiln_query_active",
			metric.WithDescription("Queries currently executing"),
		); err != nil {
			metricsErr = err
			return
		}
		if ticketWait, err = meter.Float64Histogram(
			"kiln_process_ticket_wait_seconds",
			metric.WithDescription("Time spent waiting for a process ticket"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRun(ctx context.Context, kind string, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("error", err != nil),
	)
	queryRuns.Add(ctx, 1, attrs)
	queryDuration.Record(ctx, d.Seconds(), attrs)
}

func trackActive(ctx context.Context, kind string, delta int64) {
	if initMetrics() != nil {
		return
	}
	activeQueries.Add(ctx, delta, metric.WithAttributes(attribute.String("kind", kind)))
}

func recordTicketWait(ctx context.Context, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	ticketWait.Record(ctx, d.Seconds())
}

func startSpan(ctx context.Context, kind string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "query."+kind, trace.WithAttributes(attrs...))
}
