// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package pgoutput

import (
	"encoding/binary"
	"fmt"

	"github.com/jackc/pglogrepl"
)

// UnknownMessageTypeError is returned for message tags the engine does not
// support. Origin, Type, and Truncate messages are rejected this way
// rather than silently skipped, so that a DBA enabling a new server
// feature cannot cause silent data loss.
type UnknownMessageTypeError struct {
	Tag byte
}

func (e UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("pgoutput: unsupported message type %q", e.Tag)
}

// InvalidMessageError indicates a structurally malformed message: a
// truncated frame, a missing cstring terminator, or a tuple length that
// overruns the buffer.
type InvalidMessageError struct {
	Reason string
}

func (e InvalidMessageError) Error() string {
	return "pgoutput: invalid message: " + e.Reason
}

// Decode parses one XLogData payload into a Message. The returned Message
// owns all of its heap data; no slice within it aliases data.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, InvalidMessageError{Reason: "empty payload"}
	}

	d := &decoder{buf: data}
	tag := d.byte()

	switch tag {
	case 'B':
		return decodeBegin(d)
	case 'C':
		return decodeCommit(d)
	case 'R':
		return decodeRelation(d)
	case 'I':
		return decodeInsert(d)
	case 'U':
		return decodeUpdate(d)
	case 'D':
		return decodeDelete(d)
	default:
		return Message{}, UnknownMessageTypeError{Tag: tag}
	}
}

func decodeBegin(d *decoder) (Message, error) {
	finalLSN := d.uint64()
	commitTime := d.int64()
	xid := d.uint32()
	if err := d.err(); err != nil {
		return Message{}, err
	}
	return Message{
		Kind: KindBegin,
		Begin: Begin{
			FinalLSN:   pglogrepl.LSN(finalLSN),
			CommitTime: commitTime,
			Xid:        xid,
		},
	}, nil
}

func decodeCommit(d *decoder) (Message, error) {
	flags := d.byte()
	commitLSN := d.uint64()
	endLSN := d.uint64()
	commitTime := d.int64()
	if err := d.err(); err != nil {
		return Message{}, err
	}
	return Message{
		Kind: KindCommit,
		Commit: Commit{
			Flags:      flags,
			CommitLSN:  pglogrepl.LSN(commitLSN),
			EndLSN:     pglogrepl.LSN(endLSN),
			CommitTime: commitTime,
		},
	}, nil
}

func decodeRelation(d *decoder) (Message, error) {
	relationID := d.uint32()
	namespace := d.cstring()
	relationName := d.cstring()
	replicaIdentity := d.byte()
	columnCount := d.uint16()
	if err := d.err(); err != nil {
		return Message{}, err
	}

	columns := make([]ColumnDescriptor, 0, columnCount)
	for i := uint16(0); i < columnCount; i++ {
		flags := d.byte()
		name := d.cstring()
		dataType := d.uint32()
		typeModifier := d.int32()
		if err := d.err(); err != nil {
			return Message{}, err
		}
		columns = append(columns, ColumnDescriptor{
			Flags:        flags,
			Name:         name,
			DataTypeOID:  dataType,
			TypeModifier: typeModifier,
		})
	}

	return Message{
		Kind: KindRelation,
		Relation: RelationInfo{
			RelationID:      relationID,
			Namespace:       namespace,
			RelationName:    relationName,
			ReplicaIdentity: replicaIdentity,
			Columns:         columns,
		},
	}, nil
}

func decodeInsert(d *decoder) (Message, error) {
	relationID := d.uint32()
	tupleTag := d.byte()
	if err := d.err(); err != nil {
		return Message{}, err
	}
	if tupleTag != 'N' {
		return Message{}, InvalidMessageError{Reason: fmt.Sprintf("insert: expected tuple tag 'N', got %q", tupleTag)}
	}

	tuple, err := decodeTuple(d)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Kind: KindInsert,
		Insert: Insert{
			RelationID: relationID,
			New:        tuple,
		},
	}, nil
}

func decodeUpdate(d *decoder) (Message, error) {
	relationID := d.uint32()
	tag := d.byte()
	if err := d.err(); err != nil {
		return Message{}, err
	}

	var old Tuple
	switch tag {
	case 'K', 'O':
		t, err := decodeTuple(d)
		if err != nil {
			return Message{}, err
		}
		old = t

		newTag := d.byte()
		if err := d.err(); err != nil {
			return Message{}, err
		}
		if newTag != 'N' {
			return Message{}, InvalidMessageError{Reason: fmt.Sprintf("update: expected new tuple tag 'N', got %q", newTag)}
		}
	case 'N':
		// no old tuple
	default:
		return Message{}, InvalidMessageError{Reason: fmt.Sprintf("update: unexpected tuple tag %q", tag)}
	}

	newTuple, err := decodeTuple(d)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Kind: KindUpdate,
		Update: Update{
			RelationID: relationID,
			Old:        old,
			New:        newTuple,
		},
	}, nil
}

func decodeDelete(d *decoder) (Message, error) {
	relationID := d.uint32()
	tag := d.byte()
	if err := d.err(); err != nil {
		return Message{}, err
	}
	if tag != 'K' && tag != 'O' {
		return Message{}, InvalidMessageError{Reason: fmt.Sprintf("delete: unexpected tuple tag %q", tag)}
	}

	old, err := decodeTuple(d)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Kind: KindDelete,
		Delete: Delete{
			RelationID: relationID,
			Old:        old,
		},
	}, nil
}

func decodeTuple(d *decoder) (Tuple, error) {
	count := d.uint16()
	if err := d.err(); err != nil {
		return nil, err
	}

	tuple := make(Tuple, 0, count)
	for i := uint16(0); i < count; i++ {
		kind := d.byte()
		if err := d.err(); err != nil {
			return nil, err
		}

		col := Column{Kind: ColumnKind(kind)}
		switch ColumnKind(kind) {
		case ColumnNull, ColumnUnchangedToast:
			// no payload
		case ColumnText, ColumnBinary:
			length := d.uint32()
			if err := d.err(); err != nil {
				return nil, err
			}
			col.Data = d.bytes(int(length))
			if err := d.err(); err != nil {
				return nil, InvalidMessageError{Reason: "tuple value length exceeds buffer"}
			}
		default:
			return nil, InvalidMessageError{Reason: fmt.Sprintf("unknown column kind %q", kind)}
		}
		tuple = append(tuple, col)
	}
	return tuple, nil
}

// decoder is a cursor over an immutable byte slice with sticky error
// state: once a read fails, subsequent reads return zero values so call
// sites can chain reads and check err() once.
type decoder struct {
	buf    []byte
	off    int
	failed error
}

func (d *decoder) err() error {
	return d.failed
}

func (d *decoder) fail(reason string) {
	if d.failed == nil {
		d.failed = InvalidMessageError{Reason: reason}
	}
}

func (d *decoder) require(n int) bool {
	if d.failed != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.fail("unexpected end of message")
		return false
	}
	return true
}

func (d *decoder) byte() byte {
	if !d.require(1) {
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

func (d *decoder) bytes(n int) []byte {
	if n < 0 {
		d.fail("negative length")
		return nil
	}
	if !d.require(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+n])
	d.off += n
	return out
}

func (d *decoder) uint16() uint16 {
	if !d.require(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *decoder) uint32() uint32 {
	if !d.require(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) int32() int32 {
	return int32(d.uint32())
}

func (d *decoder) uint64() uint64 {
	if !d.require(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) int64() int64 {
	return int64(d.uint64())
}

// cstring reads a null-terminated string starting at the cursor. A missing
// terminator before the end of the buffer is an invalid-message error.
func (d *decoder) cstring() string {
	if d.failed != nil {
		return ""
	}
	start := d.off
	for i := d.off; i < len(d.buf); i++ {
		if d.buf[i] == 0 {
			s := string(d.buf[start:i])
			d.off = i + 1
			return s
		}
	}
	d.fail("cstring missing null terminator")
	return ""
}
