// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package source orchestrates the replication driver, pgoutput decoder,
// and relation registry into a stream of ChangeEvents, implementing the
// receive_batch/send_feedback contract the pipeline processor depends on.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/z5labs/pgcdc/event"
	"github.com/z5labs/pgcdc/pgoutput"
	"github.com/z5labs/pgcdc/registry"
	"github.com/z5labs/pgcdc/replication"
)

// ConnectError wraps a failure to establish the replication connection.
type ConnectError struct {
	Err error
}

func (e ConnectError) Error() string { return fmt.Sprintf("source: connect failed: %v", e.Err) }
func (e ConnectError) Unwrap() error { return e.Err }

// ReplicationError wraps a failure to start or maintain replication.
type ReplicationError struct {
	Err error
}

func (e ReplicationError) Error() string { return fmt.Sprintf("source: replication failed: %v", e.Err) }
func (e ReplicationError) Unwrap() error { return e.Err }

// Batch is the result of one ReceiveBatch call: zero or more converted
// changes plus the highest WAL position observed while producing them,
// including positions from messages that did not yield a change.
type Batch struct {
	Changes []event.ChangeEvent
	LastLSN pglogrepl.LSN
}

// driver is the subset of *replication.Driver's contract Source depends
// on, broken out as an interface so tests can exercise ReceiveBatch's
// algorithm against a fake without a live PostgreSQL connection.
type driver interface {
	EnsurePublication(ctx context.Context, name string, tables []string) error
	EnsureSlot(ctx context.Context, slotName string) error
	StartReplication(ctx context.Context, slotName, publication string, startLSN pglogrepl.LSN) error
	ReceiveMessage(ctx context.Context, timeout time.Duration) (replication.Message, bool, error)
	SendStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error
	Close(ctx context.Context) error
}

// Source owns the replication driver, decoder scratch, and registry for
// one session.
type Source struct {
	slotName        string
	publicationName string
	tables          []string

	driver   driver
	registry *registry.Registry
	lastLSN  pglogrepl.LSN
}

// New returns a Source bound to slotName/publicationName, publishing the
// given tables when the publication does not already exist.
func New(slotName, publicationName string, tables []string) *Source {
	return &Source{
		slotName:        slotName,
		publicationName: publicationName,
		tables:          tables,
		registry:        registry.New(),
	}
}

// newWithDriver is used by tests to exercise the ReceiveBatch/SendFeedback
// algorithm against a fake driver, bypassing Connect's real network call.
func newWithDriver(d driver) *Source {
	return &Source{
		driver:   d,
		registry: registry.New(),
	}
}

// Connect opens the replication connection, ensures the publication and
// slot exist, and starts replication at startLSN.
func (s *Source) Connect(ctx context.Context, connString string, startLSN pglogrepl.LSN) error {
	driver, err := replication.Connect(ctx, connString)
	if err != nil {
		return ConnectError{Err: err}
	}

	if err := driver.EnsurePublication(ctx, s.publicationName, s.tables); err != nil {
		return ReplicationError{Err: err}
	}
	if err := driver.EnsureSlot(ctx, s.slotName); err != nil {
		return ReplicationError{Err: err}
	}
	if err := driver.StartReplication(ctx, s.slotName, s.publicationName, startLSN); err != nil {
		return ReplicationError{Err: err}
	}

	s.driver = driver
	s.lastLSN = 0
	return nil
}

// ReceiveBatch implements the algorithm in §4.5: block for up to wait for
// the first message, then drain non-blocking until limit changes have
// accumulated or no more messages are immediately available.
func (s *Source) ReceiveBatch(ctx context.Context, limit int, wait time.Duration) (Batch, error) {
	changes := make([]event.ChangeEvent, 0, limit)
	lastConfirmed := s.lastLSN
	deadline := time.Now().Add(wait)

	for len(changes) < limit && time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = 0
		}
		msg, ok, err := s.driver.ReceiveMessage(ctx, remaining)
		if err != nil {
			return Batch{}, err
		}
		if !ok {
			if len(changes) > 0 {
				break
			}
			continue
		}

		lastConfirmed, changes, err = s.applyMessage(msg, lastConfirmed, changes)
		if err != nil {
			return Batch{}, err
		}

		// Drain: convert the single wake-up into a burst by consuming
		// everything immediately available, non-blocking.
		for len(changes) < limit {
			msg, ok, err := s.driver.ReceiveMessage(ctx, 0)
			if err != nil {
				return Batch{}, err
			}
			if !ok {
				break
			}
			lastConfirmed, changes, err = s.applyMessage(msg, lastConfirmed, changes)
			if err != nil {
				return Batch{}, err
			}
		}
	}

	s.lastLSN = lastConfirmed
	return Batch{Changes: changes, LastLSN: lastConfirmed}, nil
}

func (s *Source) applyMessage(msg replication.Message, lastConfirmed pglogrepl.LSN, changes []event.ChangeEvent) (pglogrepl.LSN, []event.ChangeEvent, error) {
	switch {
	case msg.XLog != nil:
		lastConfirmed = msg.XLog.ServerWALEnd

		decoded, err := pgoutput.Decode(msg.XLog.Payload)
		if err != nil {
			return lastConfirmed, changes, err
		}

		ce, emit, err := s.convert(decoded, msg.XLog.WALStart)
		if err != nil {
			return lastConfirmed, changes, err
		}
		if emit {
			changes = append(changes, ce)
		}
		return lastConfirmed, changes, nil

	case msg.Keepalive != nil:
		// Deliberately no reply here: replying would confirm an LSN
		// before Kafka has flushed. Only the flush/commit worker sends
		// feedback, after durability.
		lastConfirmed = msg.Keepalive.ServerWALEnd
		return lastConfirmed, changes, nil

	default:
		return lastConfirmed, changes, nil
	}
}

// SendFeedback forwards lsn to the driver as write=flush=apply, never
// requesting a reply.
func (s *Source) SendFeedback(ctx context.Context, lsn pglogrepl.LSN) error {
	return s.driver.SendStatusUpdate(ctx, lsn)
}

// Close cancels replication and closes the connection.
func (s *Source) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}
