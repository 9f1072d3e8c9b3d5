// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hotcache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("kiln.hotcache")
	meter  = otel.Meter("kiln.hotcache")
)

var (
	lookupsTotal      metric.Int64Counter
	blobWritesTotal   metric.Int64Counter
	registryEvictions metric.Int64Counter
	collectedTotal    metric.Int64Counter
	collectedBytes    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if lookupsTotal, err = meter.Int64Counter(
			"kiln_cache_lookups_total",
			metric.WithDescription("Cache lookups by entry kind and outcome"),
		); err != nil {
			metricsErr = err
			return
		}
		if blobWritesTotal, err = meter.Int64Counter(
			"kiln_cache_blob_writes_total",
			metric.WithDescription("Blobs linked into the content store"),
		); err != nil {
			metricsErr = err
			return
		}
		if registryEvictions, err = meter.Int64Counter(
			"kiln_cache_registry_evictions_total",
			metric.WithDescription("Depmaps evicted from the in-memory registry"),
		); err != nil {
			metricsErr = err
			return
		}
		if collectedTotal, err = meter.Int64Counter(
			"kiln_cache_collected_total",
			metric.WithDescription("Entries removed by garbage collection"),
		); err != nil {
			metricsErr = err
			return
		}
		if collectedBytes, err = meter.Int64Counter(
			"kiln_cache_collected_bytes_total",
			metric.WithDescription("Bytes freed by garbage collection"),
			metric.WithUnit("By"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordLookup(ctx context.Context, kind string, hit bool) {
	if initMetrics() != nil {
		return
	}
	lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("hit", hit),
	))
}

func recordBlobWrite(ctx context.Context, executable bool, err error) {
	if initMetrics() != nil {
		return
	}
	blobWritesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("executable", executable),
		attribute.Bool("error", err != nil),
	))
}

func recordRegistryEviction(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	registryEvictions.Add(ctx, 1)
}

func recordCollected(ctx context.Context, kind string, n int, bytes int64) {
	if initMetrics() != nil {
		return
	}
	kindAttr := metric.WithAttributes(attribute.String("kind", kind))
	collectedTotal.Add(ctx, int64(n), kindAttr)
	collectedBytes.Add(ctx, bytes, kindAttr)
}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "hotcache."+op, trace.WithAttributes(attrs...))
}
