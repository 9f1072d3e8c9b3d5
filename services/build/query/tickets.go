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
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Tickets bounds how many external processes run at once, independently
// of how many queries are in flight. Waiters are served in FIFO order.
type Tickets struct {
	sem   *semaphore.Weighted
	size  int
	inUse atomic.Int64
}

// NewTickets returns a pool of n tickets. n below 1 is treated as 1.
func NewTickets(n int) *Tickets {
	if n < 1 {
		n = 1
	}
	return &Tickets{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// Ticket is a held permit.
type Ticket struct {
	owner *Tickets
	once  sync.Once
}

// Acquire waits for a ticket or for ctx to be done.
func (t *Tickets) Acquire(ctx context.Context) (*Ticket, error) {
	start := time.Now()
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	t.inUse.Add(1)
	recordTicketWait(ctx, time.Since(start))
	return &Ticket{owner: t}, nil
}

// TryAcquire returns a ticket if one is free without waiting.
func (t *Tickets) TryAcquire() (*Ticket, bool) {
	if !t.sem.TryAcquire(1) {
		return nil, false
	}
	t.inUse.Add(1)
	return &Ticket{owner: t}, true
}

// Release returns the ticket to the pool, waking the next waiter. Calls
// after the first are no-ops.
func (tk *Ticket) Release() {
	tk.once.Do(func() {
		tk.owner.inUse.Add(-1)
		tk.owner.sem.Release(1)
	})
}

// Capacity returns the pool size.
func (t *Tickets) Capacity() int {
	return t.size
}

// InUse returns the number of held tickets.
func (t *Tickets) InUse() int {
	return int(t.inUse.Load())
}
