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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoQuery returns its name, counting executions and optionally blocking
// until gate is closed.
type echoQuery struct {
	Name  string
	calls *atomic.Int64
	gate  chan struct{}
	err   error
}

func (q echoQuery) Kind() string { return "echo" }

func (q echoQuery) Run(ctx context.Context, g *Graph) (string, error) {
	q.calls.Add(1)
	if q.gate != nil {
		<-q.gate
	}
	if q.err != nil {
		return "", q.err
	}
	return "echo:" + q.Name, nil
}

// shoutQuery has the same fields as echoQuery but a different kind.
type shoutQuery struct {
	Name string
}

func (q shoutQuery) Kind() string { return "shout" }

func (q shoutQuery) Run(ctx context.Context, g *Graph) (string, error) {
	return "SHOUT:" + q.Name, nil
}

type panicQuery struct {
	Name  string
	calls *atomic.Int64
}

func (q panicQuery) Kind() string { return "panic" }

func (q panicQuery) Run(ctx context.Context, g *Graph) (int, error) {
	q.calls.Add(1)
	panic("boom")
}

// hopQuery requests the query named by next[Name], forming a cycle when
// the map loops.
type hopQuery struct {
	Name string
	next map[string]string
}

func (q hopQuery) Kind() string   { return "hop" }
func (q hopQuery) String() string { return q.Name }

func (q hopQuery) Run(ctx context.Context, g *Graph) (string, error) {
	n, ok := q.next[q.Name]
	if !ok {
		return q.Name, nil
	}
	v, err := Run(ctx, g, hopQuery{Name: n, next: q.next})
	if err != nil {
		return "", err
	}
	return q.Name + "/" + v, nil
}

// meetQuery waits until every query sharing its barrier has started, then
// requests the query named by next[Name].
type meetQuery struct {
	Name    string
	next    map[string]string
	barrier *sync.WaitGroup
}

func (q meetQuery) Kind() string   { return "meet" }
func (q meetQuery) String() string { return q.Name }

func (q meetQuery) Run(ctx context.Context, g *Graph) (string, error) {
	q.barrier.Done()
	q.barrier.Wait()
	n, ok := q.next[q.Name]
	if !ok {
		return q.Name, nil
	}
	return Run(ctx, g, meetQuery{Name: n, next: q.next, barrier: q.barrier})
}

func TestKey(t *testing.T) {
	a, err := Key("echo", echoQuery{Name: "x"})
	require.NoError(t, err)
	b, err := Key("echo", echoQuery{Name: "x", calls: &atomic.Int64{}})
	require.NoError(t, err)
	assert.Equal(t, a, b, "unexported fields are not part of the key")

	c, err := Key("echo", echoQuery{Name: "y"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := Key("shout", shoutQuery{Name: "x"})
	require.NoError(t, err)
	assert.NotEqual(t, a, d)

	_, err = Key("bad", struct{ N int }{1})
	assert.Error(t, err)
}

func TestRun_DeduplicatesConcurrentRequests(t *testing.T) {
	g := NewGraph(nil)
	calls := &atomic.Int64{}
	gate := make(chan struct{})

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Run(context.Background(), g, echoQuery{Name: "x", calls: calls, gate: gate})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "echo:x", results[i])
	}
	assert.Equal(t, int64(1), calls.Load())
	stats := g.Stats()["echo"]
	assert.Equal(t, int64(1), stats.Started)
	assert.Equal(t, int64(n-1), stats.Reused)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, 1, g.Len())
}

func TestRun_DistinctKeysRunSeparately(t *testing.T) {
	g := NewGraph(nil)
	calls := &atomic.Int64{}
	ctx := context.Background()

	a, err := Run(ctx, g, echoQuery{Name: "a", calls: calls})
	require.NoError(t, err)
	b, err := Run(ctx, g, echoQuery{Name: "b", calls: calls})
	require.NoError(t, err)
	s, err := Run(ctx, g, shoutQuery{Name: "a"})
	require.NoError(t, err)

	assert.Equal(t, "echo:a", a)
	assert.Equal(t, "echo:b", b)
	assert.Equal(t, "SHOUT:a", s)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, []string{"echo", "shout"}, g.Kinds())
}

func TestRun_MemoizesErrors(t *testing.T) {
	g := NewGraph(nil)
	calls := &atomic.Int64{}
	failure := errors.New("disk on fire")
	gate := make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Run(context.Background(), g, echoQuery{Name: "x", calls: calls, gate: gate, err: failure})
		}(i)
	}
	close(gate)
	wg.Wait()

	for _, err := range errs {
		assert.Same(t, failure, err)
	}
	_, err := Run(context.Background(), g, echoQuery{Name: "x", calls: calls, err: failure})
	assert.Same(t, failure, err)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), g.Stats()["echo"].Failed)
}

func TestRun_PanicBecomesCachedError(t *testing.T) {
	g := NewGraph(nil)
	calls := &atomic.Int64{}

	_, err := Run(context.Background(), g, panicQuery{Name: "p", calls: calls})
	require.ErrorIs(t, err, ErrPanicked)
	assert.Contains(t, err.Error(), "boom")

	_, again := Run(context.Background(), g, panicQuery{Name: "p", calls: calls})
	assert.Same(t, err, again)
	assert.Equal(t, int64(1), calls.Load())
}

func TestRun_DetectsCycles(t *testing.T) {
	g := NewGraph(nil)
	next := map[string]string{"a": "b", "b": "c", "c": "a"}

	_, err := Run(context.Background(), g, hopQuery{Name: "a", next: next})
	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr), "got %v", err)
	assert.Equal(t, []string{"hop(a)", "hop(b)", "hop(c)", "hop(a)"}, cycleErr.Chain)
	assert.Contains(t, err.Error(), "hop(a) -> hop(b) -> hop(c) -> hop(a)")

	v, err := Run(context.Background(), g, hopQuery{Name: "x", next: map[string]string{"x": "y"}})
	require.NoError(t, err)
	assert.Equal(t, "x/y", v)
}

func TestRun_DetectsCyclesAcrossIndependentRequests(t *testing.T) {
	g := NewGraph(nil)
	next := map[string]string{"a": "b", "b": "a"}
	barrier := &sync.WaitGroup{}
	barrier.Add(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, name := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = Run(ctx, g, meetQuery{Name: name, next: next, barrier: barrier})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		var cycleErr *CycleError
		require.True(t, errors.As(err, &cycleErr), "request %d: got %v", i, err)
		assert.Len(t, cycleErr.Chain, 3)
		assert.Equal(t, cycleErr.Chain[0], cycleErr.Chain[2])
	}
	assert.Empty(t, g.waits)
}

func TestRun_WaiterCancellationDoesNotStopQuery(t *testing.T) {
	g := NewGraph(nil)
	calls := &atomic.Int64{}
	gate := make(chan struct{})
	q := echoQuery{Name: "slow", calls: calls, gate: gate}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, g, q)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	v, err := Run(context.Background(), g, q)
	require.NoError(t, err)
	assert.Equal(t, "echo:slow", v)
	assert.Equal(t, int64(1), calls.Load())
}

func TestPeek(t *testing.T) {
	g := NewGraph(nil)
	calls := &atomic.Int64{}
	q := echoQuery{Name: "p", calls: calls}

	_, ok, err := Peek(g, q)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Run(context.Background(), g, q)
	require.NoError(t, err)

	v, ok, err := Peek(g, q)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "echo:p", v)
}

func TestOrdered_DeliversInSubmissionOrder(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()
	calls := &atomic.Int64{}

	firstGate := make(chan struct{})
	var laterDone sync.WaitGroup
	laterDone.Add(2)
	var completion []string
	var mu sync.Mutex
	completed := func(name string) {
		mu.Lock()
		completion = append(completion, name)
		mu.Unlock()
	}

	o := NewOrdered[string](ctx, 0)
	o.Submit(func(ctx context.Context) (string, error) {
		v, err := Run(ctx, g, echoQuery{Name: "q1", calls: calls, gate: firstGate})
		completed("q1")
		return v, err
	})
	for _, name := range []string{"q2", "q3"} {
		o.Submit(func(ctx context.Context) (string, error) {
			defer laterDone.Done()
			v, err := Run(ctx, g, echoQuery{Name: name, calls: calls})
			completed(name)
			return v, err
		})
	}
	go func() {
		laterDone.Wait()
		close(firstGate)
	}()

	var delivered []string
	err := o.Each(ctx, func(i int, v string, err error) error {
		require.NoError(t, err)
		delivered = append(delivered, v)
		return nil
	})
	require.NoError(t, err)
	o.Wait()

	assert.Equal(t, []string{"echo:q1", "echo:q2", "echo:q3"}, delivered)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "q1", completion[2], "q1 must have completed last")
}

func TestOrdered_Collect(t *testing.T) {
	ctx := context.Background()

	t.Run("values", func(t *testing.T) {
		o := NewOrdered[int](ctx, 2)
		for i := 0; i < 10; i++ {
			o.Submit(func(ctx context.Context) (int, error) {
				time.Sleep(time.Duration(10-i) * time.Millisecond)
				return i * i, nil
			})
		}
		assert.Equal(t, 10, o.Len())
		got, err := o.Collect(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 4, 9, 16, 25, 36, 49, 64, 81}, got)
	})

	t.Run("first error in submission order", func(t *testing.T) {
		first := errors.New("first")
		second := errors.New("second")
		o := NewOrdered[int](ctx, 0)
		o.Submit(func(ctx context.Context) (int, error) { return 1, nil })
		o.Submit(func(ctx context.Context) (int, error) {
			time.Sleep(20 * time.Millisecond)
			return 0, first
		})
		o.Submit(func(ctx context.Context) (int, error) { return 0, second })
		_, err := o.Collect(ctx)
		assert.Same(t, first, err)
		o.Wait()
	})
}

func TestTickets(t *testing.T) {
	ctx := context.Background()
	tk := NewTickets(2)
	assert.Equal(t, 2, tk.Capacity())

	a, err := tk.Acquire(ctx)
	require.NoError(t, err)
	b, ok := tk.TryAcquire()
	require.True(t, ok)
	assert.Equal(t, 2, tk.InUse())

	_, ok = tk.TryAcquire()
	assert.False(t, ok)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = tk.Acquire(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	waiting := make(chan *Ticket)
	go func() {
		c, err := tk.Acquire(ctx)
		if err == nil {
			waiting <- c
		}
	}()

	a.Release()
	a.Release()
	c := <-waiting
	assert.Equal(t, 2, tk.InUse(), "double release must not free a second ticket")
	_, ok = tk.TryAcquire()
	assert.False(t, ok)

	b.Release()
	c.Release()
	assert.Equal(t, 0, tk.InUse())
	assert.Equal(t, 1, NewTickets(0).Capacity())
}
