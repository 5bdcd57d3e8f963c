// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package replication drives a single PostgreSQL logical replication
// connection: publication/slot setup, START_REPLICATION, framed message
// receive, and Standby Status Update feedback. It owns exactly one
// connection and is used by exactly one goroutine.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Error is returned for connection, protocol, and framing failures. The
// caller is expected to terminate the process; the driver performs no
// in-driver retry.
type Error struct {
	Op  string
	Err error
}

func (e Error) Error() string {
	return fmt.Sprintf("replication: %s: %v", e.Op, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// XLogData is a decoded XLogData frame: the raw pgoutput payload plus the
// WAL positions carried in the frame header.
type XLogData struct {
	WALStart     pglogrepl.LSN
	ServerWALEnd pglogrepl.LSN
	ServerTime   time.Time
	Payload      []byte
}

// PrimaryKeepalive is a decoded PrimaryKeepalive frame.
type PrimaryKeepalive struct {
	ServerWALEnd   pglogrepl.LSN
	ServerTime     time.Time
	ReplyRequested bool
}

// Message is one frame received from the CopyBoth stream. Exactly one of
// XLog or Keepalive is non-nil.
type Message struct {
	XLog     *XLogData
	Keepalive *PrimaryKeepalive
}

// Driver owns one replication-mode connection.
type Driver struct {
	conn *pgconn.PgConn
}

// Connect opens a replication-mode connection to connString. connString
// must already carry replication=database (or equivalent) as pgconn
// requires for CopyBoth mode.
func Connect(ctx context.Context, connString string) (*Driver, error) {
	conn, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return nil, Error{Op: "connect", Err: err}
	}
	return &Driver{conn: conn}, nil
}

// EnsurePublication issues CREATE PUBLICATION for the given tables,
// treating "already exists" as success.
func (d *Driver) EnsurePublication(ctx context.Context, name string, tables []string) error {
	quotedTables := make([]string, len(tables))
	for i, t := range tables {
		quotedTables[i] = pgx.Identifier{t}.Sanitize()
	}
	sql := fmt.Sprintf(
		"CREATE PUBLICATION %s FOR TABLE %s",
		pgx.Identifier{name}.Sanitize(),
		strings.Join(quotedTables, ", "),
	)

	result := d.conn.Exec(ctx, sql)
	_, err := result.ReadAll()
	if err != nil && !isAlreadyExists(err) {
		return Error{Op: "ensure_publication", Err: err}
	}
	return nil
}

// EnsureSlot issues CREATE_REPLICATION_SLOT ... LOGICAL pgoutput,
// treating "already exists" as success.
func (d *Driver) EnsureSlot(ctx context.Context, slotName string) error {
	_, err := pglogrepl.CreateReplicationSlot(
		ctx,
		d.conn,
		slotName,
		"pgoutput",
		pglogrepl.CreateReplicationSlotOptions{},
	)
	if err != nil && !isAlreadyExists(err) {
		return Error{Op: "ensure_slot", Err: err}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42710" || pgErr.Code == "42P06" // duplicate_object / duplicate_schema family
	}
	return strings.Contains(err.Error(), "already exists")
}

// StartReplication puts the connection into CopyBoth mode, decoding with
// pgoutput protocol version 2 against publication.
func (d *Driver) StartReplication(ctx context.Context, slotName, publication string, startLSN pglogrepl.LSN) error {
	err := pglogrepl.StartReplication(
		ctx,
		d.conn,
		slotName,
		startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '2'",
				fmt.Sprintf("publication_names '%s'", publication),
				"streaming 'off'",
			},
		},
	)
	if err != nil {
		return Error{Op: "start_replication", Err: err}
	}
	return nil
}

// ReceiveMessage blocks until one frame is available or timeout elapses.
// A timeout returns (Message{}, false, nil) — ok is false, err is nil —
// so callers can distinguish "nothing yet" from a real failure. pgconn's
// ReceiveMessage already blocks on the connection's readiness under the
// deadline rather than busy-polling, which realizes the "readiness
// primitive then drain" algorithm without a hand-rolled poll loop.
func (d *Driver) ReceiveMessage(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := d.conn.ReceiveMessage(deadlineCtx)
	if err != nil {
		if pgconn.Timeout(err) {
			return Message{}, false, nil
		}
		return Message{}, false, Error{Op: "receive_message", Err: err}
	}

	if errMsg, ok := raw.(*pgproto3.ErrorResponse); ok {
		return Message{}, false, Error{Op: "receive_message", Err: fmt.Errorf("server error response: %s", errMsg.Message)}
	}

	cd, ok := raw.(*pgproto3.CopyData)
	if !ok {
		return Message{}, false, Error{Op: "receive_message", Err: fmt.Errorf("unexpected message type %T", raw)}
	}
	if len(cd.Data) == 0 {
		return Message{}, false, Error{Op: "receive_message", Err: errors.New("empty copy data frame")}
	}

	switch cd.Data[0] {
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
		if err != nil {
			return Message{}, false, Error{Op: "receive_message", Err: err}
		}
		return Message{XLog: &XLogData{
			WALStart:     xld.WALStart,
			ServerWALEnd: xld.ServerWALEnd,
			ServerTime:   xld.ServerTime,
			Payload:      xld.WALData,
		}}, true, nil
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
		if err != nil {
			return Message{}, false, Error{Op: "receive_message", Err: err}
		}
		return Message{Keepalive: &PrimaryKeepalive{
			ServerWALEnd:   pkm.ServerWALEnd,
			ServerTime:     pkm.ServerTime,
			ReplyRequested: pkm.ReplyRequested,
		}}, true, nil
	default:
		return Message{}, false, Error{Op: "receive_message", Err: fmt.Errorf("unknown copy data frame type %q", cd.Data[0])}
	}
}

// SendStatusUpdate sends a type-r Standby Status Update confirming lsn as
// write, flush, and apply position, never requesting a reply.
func (d *Driver) SendStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, d.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
		ReplyRequested:   false,
	})
	if err != nil {
		return Error{Op: "send_status_update", Err: err}
	}
	return nil
}

// Close cancels replication and closes the connection.
func (d *Driver) Close(ctx context.Context) error {
	return d.conn.Close(ctx)
}
