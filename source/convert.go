// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package source

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/z5labs/pgcdc/event"
	"github.com/z5labs/pgcdc/pgoutput"
)

// ConversionError wraps a failure converting a decoded pgoutput message
// into a ChangeEvent. A RelationNotFound is fatal per §4.3's invariant
// that a Relation message always precedes first use of its id.
type ConversionError struct {
	Err error
}

func (e ConversionError) Error() string { return fmt.Sprintf("source: conversion failed: %v", e.Err) }
func (e ConversionError) Unwrap() error { return e.Err }

// convert implements §4.5.1: Begin/Commit/Relation never yield an event;
// Insert/Update/Delete look up the relation and build a ChangeEvent. The
// bool return reports whether an event was produced.
func (s *Source) convert(msg pgoutput.Message, walStart pglogrepl.LSN) (event.ChangeEvent, bool, error) {
	switch msg.Kind {
	case pgoutput.KindBegin, pgoutput.KindCommit:
		return event.ChangeEvent{}, false, nil

	case pgoutput.KindRelation:
		s.registry.Register(msg.Relation)
		return event.ChangeEvent{}, false, nil

	case pgoutput.KindInsert:
		rel, err := s.registry.Get(msg.Insert.RelationID)
		if err != nil {
			return event.ChangeEvent{}, false, ConversionError{Err: err}
		}
		row, err := toRow(rel, msg.Insert.New)
		if err != nil {
			return event.ChangeEvent{}, false, ConversionError{Err: err}
		}
		return event.ChangeEvent{
			Op:   event.OpInsert,
			New:  row,
			Meta: metadataFor(rel),
		}, true, nil

	case pgoutput.KindUpdate:
		rel, err := s.registry.Get(msg.Update.RelationID)
		if err != nil {
			return event.ChangeEvent{}, false, ConversionError{Err: err}
		}
		newRow, err := toRow(rel, msg.Update.New)
		if err != nil {
			return event.ChangeEvent{}, false, ConversionError{Err: err}
		}
		// Documented cost of REPLICA IDENTITY DEFAULT: no old tuple
		// yields an empty old row rather than an error.
		var oldRow event.Row
		if msg.Update.Old != nil {
			oldRow, err = toRow(rel, msg.Update.Old)
			if err != nil {
				return event.ChangeEvent{}, false, ConversionError{Err: err}
			}
		}
		return event.ChangeEvent{
			Op:   event.OpUpdate,
			New:  newRow,
			Old:  oldRow,
			Meta: metadataFor(rel),
		}, true, nil

	case pgoutput.KindDelete:
		rel, err := s.registry.Get(msg.Delete.RelationID)
		if err != nil {
			return event.ChangeEvent{}, false, ConversionError{Err: err}
		}
		row, err := toRow(rel, msg.Delete.Old)
		if err != nil {
			return event.ChangeEvent{}, false, ConversionError{Err: err}
		}
		return event.ChangeEvent{
			Op:   event.OpDelete,
			Old:  row,
			Meta: metadataFor(rel),
		}, true, nil

	default:
		return event.ChangeEvent{}, false, ConversionError{Err: fmt.Errorf("unhandled message kind %d", msg.Kind)}
	}
}

func metadataFor(rel pgoutput.RelationInfo) event.Metadata {
	return event.Metadata{
		Source:    "postgres",
		Resource:  rel.RelationName,
		Schema:    rel.Namespace,
		Timestamp: time.Now().Unix(),
	}
}

func toRow(rel pgoutput.RelationInfo, tuple pgoutput.Tuple) (event.Row, error) {
	if len(tuple) != len(rel.Columns) {
		return nil, fmt.Errorf("tuple has %d columns, relation %s.%s has %d", len(tuple), rel.Namespace, rel.RelationName, len(rel.Columns))
	}

	row := make(event.Row, len(tuple))
	for i, col := range tuple {
		var v event.Value
		switch col.Kind {
		case pgoutput.ColumnNull, pgoutput.ColumnUnchangedToast:
			v = event.Null()
		case pgoutput.ColumnText, pgoutput.ColumnBinary:
			v = event.Text(string(col.Data))
		default:
			return nil, fmt.Errorf("unexpected column kind %q", col.Kind)
		}
		row[i] = event.Field{Name: rel.Columns[i].Name, Value: v}
	}
	return row, nil
}
