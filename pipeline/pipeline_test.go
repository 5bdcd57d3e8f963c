// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z5labs/pgcdc/event"
	"github.com/z5labs/pgcdc/routing"
	"github.com/z5labs/pgcdc/source"
)

// fakeSource hands out one pre-built batch per ReceiveBatch call, then
// blocks until ctx is canceled so ProcessQueue's receive loop has
// something to select against. Returning ctx.Err() on cancellation (rather
// than a nil error) models what the real source does: a ReceiveMessage
// blocked mid-wait surfaces cancellation as a driver error, not a clean
// nil-error return.
type fakeSource struct {
	mu       sync.Mutex
	batches  []source.Batch
	pos      int
	feedback []pglogrepl.LSN
}

func (f *fakeSource) ReceiveBatch(ctx context.Context, limit int, wait time.Duration) (source.Batch, error) {
	f.mu.Lock()
	if f.pos < len(f.batches) {
		b := f.batches[f.pos]
		f.pos++
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return source.Batch{}, ctx.Err()
}

func (f *fakeSource) SendFeedback(ctx context.Context, lsn pglogrepl.LSN) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, lsn)
	return nil
}

func (f *fakeSource) Close(ctx context.Context) error { return nil }

func (f *fakeSource) lastFeedback() (pglogrepl.LSN, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.feedback) == 0 {
		return 0, 0
	}
	return f.feedback[len(f.feedback)-1], len(f.feedback)
}

// fakeProducer records every Send call and counts Flush/Close calls.
type fakeProducer struct {
	mu      sync.Mutex
	sent    []sentRecord
	flushes atomic.Int32
	closed  atomic.Bool

	testConnErr error
	flushErr    error
}

type sentRecord struct {
	topic, key string
	payload    []byte
}

func (f *fakeProducer) TestConnection(ctx context.Context) error { return f.testConnErr }

func (f *fakeProducer) Send(ctx context.Context, topic, key string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentRecord{topic: topic, key: key, payload: append([]byte(nil), payload...)})
}

func (f *fakeProducer) Flush(ctx context.Context) error {
	f.flushes.Add(1)
	return f.flushErr
}

func (f *fakeProducer) Close(ctx context.Context) error {
	f.closed.Store(true)
	return nil
}

func (f *fakeProducer) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func changeEvent(table string, id int64) event.ChangeEvent {
	return event.ChangeEvent{
		Op:   event.OpInsert,
		New:  event.Row{{Name: "id", Value: event.Int64(id)}},
		Meta: event.Metadata{Source: "postgres", Resource: table, Schema: "public"},
	}
}

func TestProcessor_Initialize(t *testing.T) {
	t.Run("returns the producer's connection error", func(t *testing.T) {
		prod := &fakeProducer{testConnErr: assert.AnError}
		p := New(&fakeSource{}, nil, prod, Config{})

		err := p.Initialize(context.Background())
		assert.Error(t, err)
	})
}

func TestProcessor_ProcessQueue_DispatchesMatchedEvents(t *testing.T) {
	src := &fakeSource{batches: []source.Batch{
		{Changes: []event.ChangeEvent{changeEvent("users", 1), changeEvent("orders", 2)}, LastLSN: 100},
	}}
	prod := &fakeProducer{}
	routes := routing.Table{{SourceTable: "users", Operations: []event.Op{event.OpInsert}, DestinationTopic: "topic.users"}}

	p := New(src, routes, prod, Config{BatchWait: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ProcessQueue(ctx) }()

	require.Eventually(t, func() bool { return prod.sentCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "topic.users", prod.sent[0].topic)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, prod.closed.Load())
}

func TestProcessor_ProcessQueue_FeedbackOnlyAfterFlush(t *testing.T) {
	src := &fakeSource{batches: []source.Batch{
		{Changes: []event.ChangeEvent{changeEvent("users", 1)}, LastLSN: 100},
	}}
	prod := &fakeProducer{}
	routes := routing.Table{{SourceTable: "users", Operations: []event.Op{event.OpInsert}, DestinationTopic: "topic.users"}}

	p := New(src, routes, prod, Config{BatchWait: 10 * time.Millisecond, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ProcessQueue(ctx) }()

	require.Eventually(t, func() bool { return prod.sentCount() == 1 }, time.Second, time.Millisecond)

	lsn, n := src.lastFeedback()
	assert.Zero(t, n, "feedback must not be sent before the worker's first flush cycle")
	_ = lsn

	cancel()
	require.NoError(t, <-done)

	lsn, n = src.lastFeedback()
	require.Equal(t, 1, n, "shutdown must perform exactly one final flush and feedback")
	assert.EqualValues(t, 100, lsn)
	assert.GreaterOrEqual(t, prod.flushes.Load(), int32(1))
}

func TestProcessor_ProcessQueue_UnroutedEventsDropSilently(t *testing.T) {
	src := &fakeSource{batches: []source.Batch{
		{Changes: []event.ChangeEvent{changeEvent("unrouted_table", 1)}, LastLSN: 50},
	}}
	prod := &fakeProducer{}
	p := New(src, routing.Table{}, prod, Config{BatchWait: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ProcessQueue(ctx) }()

	require.Eventually(t, func() bool {
		lsn, n := src.lastFeedback()
		return n == 0 && lsn == 0
	}, 200*time.Millisecond, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, prod.sentCount())

	_, n := src.lastFeedback()
	assert.Equal(t, 1, n, "LSN is still confirmed even though no event matched a route")
}

func TestProcessor_ProcessQueue_SurfacesReceiveError(t *testing.T) {
	src := &erroringSource{err: assert.AnError}
	prod := &fakeProducer{}
	p := New(src, nil, prod, Config{BatchWait: 10 * time.Millisecond})

	err := p.ProcessQueue(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

type erroringSource struct {
	err error
}

func (e *erroringSource) ReceiveBatch(ctx context.Context, limit int, wait time.Duration) (source.Batch, error) {
	return source.Batch{}, e.err
}

func (e *erroringSource) SendFeedback(ctx context.Context, lsn pglogrepl.LSN) error { return nil }

func (e *erroringSource) Close(ctx context.Context) error { return nil }
