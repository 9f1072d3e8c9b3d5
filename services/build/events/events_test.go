// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_SubscribeAndFilter(t *testing.T) {
	e := NewEmitter(WithSessionID("s1"))
	var all, actions []Type
	e.Subscribe(func(ev *Event) { all = append(all, ev.Type) })
	id := e.Subscribe(func(ev *Event) { actions = append(actions, ev.Type) }, TypeActionStart, TypeActionEnd)
	assert.Equal(t, 2, e.SubscriptionCount())

	e.Emit(TypeQueryStart, QueryData{Kind: "package"})
	e.Emit(TypeActionStart, ActionData{Label: "//a:b"})
	e.Emit(TypeActionEnd, ActionData{Label: "//a:b"})

	assert.Equal(t, []Type{TypeQueryStart, TypeActionStart, TypeActionEnd}, all)
	assert.Equal(t, []Type{TypeActionStart, TypeActionEnd}, actions)

	assert.True(t, e.Unsubscribe(id))
	assert.False(t, e.Unsubscribe(id))
	e.Emit(TypeActionStart, ActionData{})
	assert.Len(t, actions, 2)

	buf := e.Buffer()
	require.Len(t, buf, 4)
	assert.Equal(t, "s1", buf[0].SessionID)
	assert.Len(t, e.BufferByType(TypeActionStart), 2)
}

func TestEmitter_BufferIsBounded(t *testing.T) {
	e := NewEmitter(WithBufferSize(2))
	for i := 0; i < 5; i++ {
		e.Emit(TypeProgress, ProgressData{Done: i, Total: 5})
	}
	buf := e.Buffer()
	require.Len(t, buf, 2)
	assert.Equal(t, 3, buf[0].Data.(ProgressData).Done)
	assert.Equal(t, 4, buf[1].Data.(ProgressData).Done)
}

func TestEmitter_HandlerPanicIsContained(t *testing.T) {
	var logs bytes.Buffer
	e := NewEmitter(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	got := 0
	e.Subscribe(func(*Event) { panic("bad handler") })
	e.Subscribe(func(*Event) { got++ })

	assert.NotPanics(t, func() { e.Emit(TypeQueryEnd, QueryData{}) })
	assert.Equal(t, 1, got)
	assert.Contains(t, logs.String(), "event handler panicked")
}

func TestChannelHandler_DropsWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	e := NewEmitter()
	e.Subscribe(ChannelHandler(ch))
	e.Emit(TypeQueryStart, nil)
	e.Emit(TypeQueryEnd, nil)
	require.Len(t, ch, 1)
	assert.Equal(t, TypeQueryStart, (<-ch).Type)
}

func TestLogHandler(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	e := NewEmitter()
	e.Subscribe(LogHandler(logger))
	e.Subscribe(MetricsHandler())

	e.Emit(TypeQueryStart, QueryData{Kind: "package"})
	assert.Empty(t, logs.String(), "query events log at debug")

	e.Emit(TypeActionEnd, ActionData{Label: "//pkg:gen", Duration: time.Second})
	assert.Contains(t, logs.String(), "event_type=action_end")
}

type recordingSink struct {
	mu     sync.Mutex
	events []ProgressData
}

func (r *recordingSink) Emit(t Type, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, data.(ProgressData))
}

func TestProgress(t *testing.T) {
	sink := &recordingSink{}
	p := NewProgress(sink, time.Hour)
	p.AddTotal(3)
	p.Done(1)
	p.Done(1)
	p.Done(1)

	assert.Equal(t, ProgressData{Done: 3, Total: 3}, p.Snapshot())
	require.Len(t, sink.events, 2, "first update and completion only")
	assert.Equal(t, ProgressData{Done: 0, Total: 3}, sink.events[0])
	assert.Equal(t, 1.0, sink.events[1].Fraction())
	assert.Equal(t, 1.0, ProgressData{}.Fraction())

	Discard.Emit(TypeProgress, nil)
}
