// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package event defines the canonical change-event model published to
// Kafka and its deterministic JSON encoding.
package event

// Op names the kind of row mutation a ChangeEvent carries.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// ValueKind tags which variant a [Value] holds.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueInt64
	ValueText
)

// Value is a field's scalar value. Only the field matching Kind is
// meaningful. The pgoutput-to-ChangeEvent conversion never produces Bool
// or Int64 today — every non-null pgoutput scalar is carried as Text, to
// preserve the server's text representation exactly. Bool and Int64 exist
// for a future per-column typing hook to populate.
type Value struct {
	Kind ValueKind
	Bool bool
	Int  int64
	Text string
}

// Null is the zero Value.
func Null() Value { return Value{Kind: ValueNull} }

// Text wraps s as a text Value.
func Text(s string) Value { return Value{Kind: ValueText, Text: s} }

// Bool wraps b as a boolean Value.
func Bool(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

// Int64 wraps i as an integer Value.
func Int64(i int64) Value { return Value{Kind: ValueInt64, Int: i} }

// Field is one named column value within a [Row], in registry column
// order.
type Field struct {
	Name  string
	Value Value
}

// Row is an ordered set of field values.
type Row []Field

// Metadata describes the provenance of a ChangeEvent.
type Metadata struct {
	Source    string
	Resource  string
	Schema    string
	Timestamp int64
	LSN       *string
}

// ChangeEvent is the canonical record published to Kafka for one row
// mutation. Which of New and Old is populated depends on Op: INSERT
// populates New only, DELETE populates Old only, UPDATE populates both
// New and Old.
type ChangeEvent struct {
	Op   Op
	New  Row
	Old  Row
	Meta Metadata
}
