// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package pipeline implements §4.6/§4.6.1: the receive-batch/match/serialize/
// submit main loop and the flush/commit worker that closes the at-least-once
// loop by confirming an LSN to the source only after Kafka has durably
// acknowledged it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/z5labs/pgcdc"
	"github.com/z5labs/pgcdc/event"
	"github.com/z5labs/pgcdc/routing"
	"github.com/z5labs/pgcdc/source"
)

// Default runtime tunables per §6.
const (
	DefaultBatchSize     = 5000
	DefaultBatchWait     = 100 * time.Millisecond
	DefaultFlushTimeout  = 5 * time.Second
	DefaultFlushInterval = 10 * time.Second
)

// sourceEngine is the subset of *source.Source the processor depends on,
// broken out so tests can exercise the main loop and worker against a fake.
type sourceEngine interface {
	ReceiveBatch(ctx context.Context, limit int, wait time.Duration) (source.Batch, error)
	SendFeedback(ctx context.Context, lsn pglogrepl.LSN) error
	Close(ctx context.Context) error
}

// producer is the subset of *kafkasink.Producer the processor depends on.
type producer interface {
	TestConnection(ctx context.Context) error
	Send(ctx context.Context, topic, key string, payload []byte)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config holds the runtime tunables for a Processor. Zero values are
// replaced by the §6 defaults in New.
type Config struct {
	BatchSize     int
	BatchWait     time.Duration
	FlushTimeout  time.Duration
	FlushInterval time.Duration
}

func (cfg *Config) finalize() {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = DefaultBatchWait
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
}

// Processor pulls batches from a Source, matches each change against a
// routing.Table, serializes matched changes, and submits them to a Kafka
// producer. It owns the background flush/commit worker that is the sole
// caller of both producer.Flush and source.SendFeedback.
type Processor struct {
	source   sourceEngine
	routes   routing.Table
	producer producer
	cfg      Config

	log    *slog.Logger
	tracer trace.Tracer

	// pendingLSN is written with release ordering by the receive loop and
	// read with acquire ordering by the flush/commit worker — the single
	// piece of state shared between the two goroutines besides ctx.
	pendingLSN atomic.Uint64
}

// New returns a Processor reading changes from src, matching them against
// routes, and publishing through prod. Zero-valued Config fields take the
// §6 defaults.
func New(src sourceEngine, routes routing.Table, prod producer, cfg Config) *Processor {
	cfg.finalize()
	return &Processor{
		source:   src,
		routes:   routes,
		producer: prod,
		cfg:      cfg,
		log:      humus.Logger("github.com/z5labs/pgcdc/pipeline"),
		tracer:   otel.Tracer("github.com/z5labs/pgcdc/pipeline"),
	}
}

// Initialize probes the Kafka producer, failing fast if it is unreachable
// before replication begins.
func (p *Processor) Initialize(ctx context.Context) error {
	if err := p.producer.TestConnection(ctx); err != nil {
		return fmt.Errorf("pipeline: kafka unreachable: %w", err)
	}
	return nil
}

// ProcessQueue implements [queue.Runtime]. It runs the receive/serialize
// loop on the calling goroutine and the flush/commit worker on a second
// goroutine, returning only once both have stopped. ctx cancellation is
// this engine's "stop" signal: the receive loop finishes its in-flight
// batch and returns, and the worker performs one final flush and one final
// feedback before returning, per §4.6.1's shutdown contract.
func (p *Processor) ProcessQueue(ctx context.Context) error {
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		p.runFlushWorker(workerCtx)
	}()

	runErr := p.runReceiveLoop(ctx)
	cancelWorker()
	<-workerDone

	closeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
	defer cancel()
	closeErr := p.producer.Close(closeCtx)
	sourceCloseErr := p.source.Close(closeCtx)

	return errors.Join(runErr, closeErr, sourceCloseErr)
}

// runReceiveLoop is the main loop of §4.6 step 2: pull a batch, match and
// submit every change, then publish the batch's last LSN for the worker to
// confirm once durable. Each iteration's Batch goes out of scope at the
// bottom of the loop — there is no explicit arena to free, Go's allocator
// and GC already give steady-state heap use independent of event volume.
func (p *Processor) runReceiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		spanCtx, span := p.tracer.Start(ctx, "Processor.receiveAndDispatch")
		batch, err := p.source.ReceiveBatch(spanCtx, p.cfg.BatchSize, p.cfg.BatchWait)
		if err != nil {
			span.End()
			// ctx cancellation is how shutdown is delivered (queue.Builder's
			// app.InterruptOn cancels the context ProcessQueue runs under):
			// a ReceiveMessage blocked mid-wait surfaces that as a driver
			// error, not a timeout, so treat it as the clean stop it is
			// rather than an unexpected-error exit.
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: receive batch: %w", err)
		}

		for _, ev := range batch.Changes {
			if err := p.dispatch(spanCtx, ev); err != nil {
				span.End()
				return err
			}
		}
		span.End()

		p.pendingLSN.Store(uint64(batch.LastLSN))
	}
}

// dispatch matches ev against the routing table and submits it, serialized
// exactly once, to every matched route's destination topic.
func (p *Processor) dispatch(ctx context.Context, ev event.ChangeEvent) error {
	routes := p.routes.Match(ev)
	if len(routes) == 0 {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pipeline: serialize change event: %w", err)
	}

	for _, route := range routes {
		key := routing.PartitionKey(route, ev)
		p.producer.Send(ctx, route.DestinationTopic, key, payload)
	}
	return nil
}

// runFlushWorker is the dedicated flush/commit thread of §4.6.1. It wakes
// every second, flushes the producer every FlushInterval, and confirms the
// latest pending LSN to the source only after a successful flush — the
// central correctness property of the whole system (§4.6.1, §8 property 3).
func (p *Processor) runFlushWorker(ctx context.Context) {
	iterationsPerFlush := int(p.cfg.FlushInterval / time.Second)
	if iterationsPerFlush < 1 {
		iterationsPerFlush = 1
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastConfirmed pglogrepl.LSN
	iterations := 0
	for {
		select {
		case <-ctx.Done():
			p.finalFlushAndConfirm(&lastConfirmed)
			return
		case <-ticker.C:
			iterations++
			if iterations%iterationsPerFlush != 0 {
				continue
			}
			p.flushAndConfirm(ctx, &lastConfirmed)
		}
	}
}

func (p *Processor) flushAndConfirm(ctx context.Context, lastConfirmed *pglogrepl.LSN) {
	// Load before flushing: every Send for events up to this LSN happened
	// before it was stored, so the flush below covers all of them.
	lsn := pglogrepl.LSN(p.pendingLSN.Load())

	flushCtx, cancel := context.WithTimeout(ctx, p.cfg.FlushTimeout)
	defer cancel()

	if err := p.producer.Flush(flushCtx); err != nil {
		p.log.ErrorContext(ctx, "kafka flush failed, skipping feedback this cycle", slog.Any("error", err))
		return
	}

	p.confirm(ctx, lsn, lastConfirmed)
}

// finalFlushAndConfirm performs the shutdown-time final flush and feedback
// on a fresh context, since the ctx passed to ProcessQueue is already
// canceled by the time this runs.
func (p *Processor) finalFlushAndConfirm(lastConfirmed *pglogrepl.LSN) {
	lsn := pglogrepl.LSN(p.pendingLSN.Load())

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
	defer cancel()

	if err := p.producer.Flush(ctx); err != nil {
		p.log.Error("final kafka flush failed, skipping final feedback", slog.Any("error", err))
		return
	}
	p.confirm(ctx, lsn, lastConfirmed)
}

func (p *Processor) confirm(ctx context.Context, lsn pglogrepl.LSN, lastConfirmed *pglogrepl.LSN) {
	if err := p.source.SendFeedback(ctx, lsn); err != nil {
		p.log.ErrorContext(ctx, "send feedback failed", slog.Any("error", err), slog.String("lsn", lsn.String()))
		return
	}
	if lsn != *lastConfirmed {
		p.log.InfoContext(ctx, "confirmed lsn", slog.String("lsn", lsn.String()))
		*lastConfirmed = lsn
	}
}
