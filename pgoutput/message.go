// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package pgoutput decodes PostgreSQL logical replication messages emitted
// by the pgoutput plugin, protocol version 2. Decoding is pure: it never
// touches a connection and retains no reference into its input buffer past
// the call to Decode.
package pgoutput

import "github.com/jackc/pglogrepl"

// ColumnKind tags how a [Column] slot's value is represented on the wire.
type ColumnKind byte

const (
	ColumnNull          ColumnKind = 'n'
	ColumnUnchangedToast ColumnKind = 'u'
	ColumnText          ColumnKind = 't'
	ColumnBinary        ColumnKind = 'b'
)

// Column is one slot of a decoded tuple. Data is nil for Null and
// UnchangedToast kinds; for Text and Binary it holds a copy of the value
// bytes (not null-terminated, not shared with the decoder's input).
type Column struct {
	Kind ColumnKind
	Data []byte
}

// Tuple is an ordered list of column values matching the column order of
// the relation the owning message references.
type Tuple []Column

// ColumnDescriptor describes one column of a relation as announced by a
// Relation message.
type ColumnDescriptor struct {
	Flags        uint8
	Name         string
	DataTypeOID  uint32
	TypeModifier int32
}

// RelationInfo is the decoded body of a Relation message.
type RelationInfo struct {
	RelationID      uint32
	Namespace       string
	RelationName    string
	ReplicaIdentity byte
	Columns         []ColumnDescriptor
}

// MessageKind tags which variant a decoded [Message] holds.
type MessageKind int

const (
	KindBegin MessageKind = iota + 1
	KindCommit
	KindRelation
	KindInsert
	KindUpdate
	KindDelete
)

// Begin is the decoded body of a 'B' message.
type Begin struct {
	FinalLSN   pglogrepl.LSN
	CommitTime int64
	Xid        uint32
}

// Commit is the decoded body of a 'C' message.
type Commit struct {
	Flags      uint8
	CommitLSN  pglogrepl.LSN
	EndLSN     pglogrepl.LSN
	CommitTime int64
}

// Insert is the decoded body of an 'I' message.
type Insert struct {
	RelationID uint32
	New        Tuple
}

// Update is the decoded body of a 'U' message. Old is nil when the source
// message carried no old tuple (REPLICA IDENTITY DEFAULT with no key
// change).
type Update struct {
	RelationID uint32
	Old        Tuple
	New        Tuple
}

// Delete is the decoded body of a 'D' message.
type Delete struct {
	RelationID uint32
	Old        Tuple
}

// Message is a decoded pgoutput message. Exactly one of the typed fields
// matching Kind is populated; the rest are zero values.
type Message struct {
	Kind     MessageKind
	Begin    Begin
	Commit   Commit
	Relation RelationInfo
	Insert   Insert
	Update   Update
	Delete   Delete
}
