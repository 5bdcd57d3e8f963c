// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package source

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/z5labs/pgcdc/replication"
)

// fakeDriver replays a fixed sequence of messages, one per ReceiveMessage
// call, then reports timeouts forever. It records SendStatusUpdate calls
// for feedback-safety assertions.
type fakeDriver struct {
	messages []replication.Message
	pos      int

	feedback []pglogrepl.LSN
}

func (f *fakeDriver) EnsurePublication(context.Context, string, []string) error { return nil }
func (f *fakeDriver) EnsureSlot(context.Context, string) error                  { return nil }
func (f *fakeDriver) StartReplication(context.Context, string, string, pglogrepl.LSN) error {
	return nil
}

func (f *fakeDriver) ReceiveMessage(ctx context.Context, timeout time.Duration) (replication.Message, bool, error) {
	if f.pos >= len(f.messages) {
		return replication.Message{}, false, nil
	}
	msg := f.messages[f.pos]
	f.pos++
	return msg, true, nil
}

func (f *fakeDriver) SendStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	f.feedback = append(f.feedback, lsn)
	return nil
}

func (f *fakeDriver) Close(context.Context) error { return nil }

func xlogMsg(payload []byte, walEnd pglogrepl.LSN) replication.Message {
	return replication.Message{XLog: &replication.XLogData{
		WALStart:     walEnd,
		ServerWALEnd: walEnd,
		Payload:      payload,
	}}
}

func keepaliveMsg(walEnd pglogrepl.LSN) replication.Message {
	return replication.Message{Keepalive: &replication.PrimaryKeepalive{ServerWALEnd: walEnd}}
}

func relationPayload() []byte {
	buf := []byte{'R'}
	buf = binary.BigEndian.AppendUint32(buf, 1)
	buf = append(buf, "public\x00"...)
	buf = append(buf, "users\x00"...)
	buf = append(buf, 'd')
	buf = binary.BigEndian.AppendUint16(buf, 1)
	buf = append(buf, 0)
	buf = append(buf, "id\x00"...)
	buf = binary.BigEndian.AppendUint32(buf, 23)
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(-1)))
	return buf
}

func insertPayload(id string) []byte {
	buf := []byte{'I'}
	buf = binary.BigEndian.AppendUint32(buf, 1)
	buf = append(buf, 'N')
	buf = binary.BigEndian.AppendUint16(buf, 1)
	buf = append(buf, 't')
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(id)))
	buf = append(buf, id...)
	return buf
}

func TestSource_ReceiveBatch_RelationThenInsert(t *testing.T) {
	fd := &fakeDriver{messages: []replication.Message{
		xlogMsg(relationPayload(), 100),
		xlogMsg(insertPayload("1"), 200),
	}}
	s := newWithDriver(fd)

	batch, err := s.ReceiveBatch(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, "users", batch.Changes[0].Meta.Resource)
	assert.EqualValues(t, 200, batch.LastLSN)
}

func TestSource_ReceiveBatch_KeepaliveAdvancesLSNWithoutReply(t *testing.T) {
	fd := &fakeDriver{messages: []replication.Message{
		keepaliveMsg(50),
	}}
	s := newWithDriver(fd)

	batch, err := s.ReceiveBatch(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch.Changes)
	assert.EqualValues(t, 50, batch.LastLSN)
	assert.Empty(t, fd.feedback, "receive loop must never call send_feedback itself")
}

func TestSource_ReceiveBatch_NoDataReturnsWithinTimeout(t *testing.T) {
	fd := &fakeDriver{}
	s := newWithDriver(fd)

	start := time.Now()
	batch, err := s.ReceiveBatch(context.Background(), 10, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, batch.Changes)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestSource_ReceiveBatch_MonotonicLSNAcrossCalls(t *testing.T) {
	fd := &fakeDriver{messages: []replication.Message{
		xlogMsg(relationPayload(), 100),
		xlogMsg(insertPayload("1"), 200),
	}}
	s := newWithDriver(fd)

	b1, err := s.ReceiveBatch(context.Background(), 10, 20*time.Millisecond)
	require.NoError(t, err)

	fd.messages = append(fd.messages, xlogMsg(insertPayload("2"), 300))
	b2, err := s.ReceiveBatch(context.Background(), 10, 20*time.Millisecond)
	require.NoError(t, err)

	assert.LessOrEqual(t, b1.LastLSN, b2.LastLSN)
}

func TestSource_ReceiveBatch_RelationNotFoundIsFatal(t *testing.T) {
	fd := &fakeDriver{messages: []replication.Message{
		xlogMsg(insertPayload("1"), 100),
	}}
	s := newWithDriver(fd)

	_, err := s.ReceiveBatch(context.Background(), 10, 20*time.Millisecond)
	assert.Error(t, err)
	var convErr ConversionError
	assert.ErrorAs(t, err, &convErr)
}

func TestSource_SendFeedback(t *testing.T) {
	fd := &fakeDriver{}
	s := newWithDriver(fd)

	err := s.SendFeedback(context.Background(), 42)
	require.NoError(t, err)
	assert.EqualValues(t, []pglogrepl.LSN{42}, fd.feedback)
}
