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

	"golang.org/x/sync/errgroup"
)

type slot[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Ordered runs computations concurrently and delivers their results in
// the order they were submitted.
//
// Description:
//
//	Each submitted function starts immediately, subject to the concurrency
//	limit. Results that finish early are buffered until every earlier
//	submission has been delivered. A failing computation does not cancel
//	the others; its error is delivered in its turn.
//
// Thread Safety:
//
//	Submit and Each must be called from one goroutine.
type Ordered[T any] struct {
	ctx   context.Context
	group errgroup.Group
	slots []*slot[T]
	next  int
}

// NewOrdered returns an empty Ordered. limit bounds concurrently running
// computations; zero or negative means unbounded.
func NewOrdered[T any](ctx context.Context, limit int) *Ordered[T] {
	o := &Ordered[T]{ctx: ctx}
	if limit > 0 {
		o.group.SetLimit(limit)
	}
	return o
}

// Submit starts fn. It may block while the concurrency limit is reached.
func (o *Ordered[T]) Submit(fn func(ctx context.Context) (T, error)) {
	s := &slot[T]{done: make(chan struct{})}
	o.slots = append(o.slots, s)
	o.group.Go(func() error {
		defer close(s.done)
		s.value, s.err = fn(o.ctx)
		return nil
	})
}

// Len returns the number of submissions.
func (o *Ordered[T]) Len() int {
	return len(o.slots)
}

// Each calls fn with every undelivered result in submission order,
// waiting for each in turn. It stops at the first non-nil error returned
// by fn, or when ctx is done.
func (o *Ordered[T]) Each(ctx context.Context, fn func(i int, value T, err error) error) error {
	for o.next < len(o.slots) {
		s := o.slots[o.next]
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		i := o.next
		o.next++
		if err := fn(i, s.value, s.err); err != nil {
			return err
		}
	}
	return nil
}

// Collect waits for all results and returns them in submission order. The
// error is the first failure in submission order.
func (o *Ordered[T]) Collect(ctx context.Context) ([]T, error) {
	out := make([]T, 0, len(o.slots)-o.next)
	err := o.Each(ctx, func(_ int, v T, err error) error {
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Wait blocks until every submitted computation has returned.
func (o *Ordered[T]) Wait() {
	_ = o.group.Wait()
}
