// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalJSON renders e as the single UTF-8 byte sequence described in the
// consumer-facing schema: top-level keys in the order op, data, meta; for
// UPDATE the data object's keys are new, old in that order. Key order is
// hand-written because encoding/json gives no ordering guarantee for maps
// or the struct field order callers would otherwise have to rely on
// indirectly; scalar escaping is still delegated to encoding/json, which
// already solves that sub-problem correctly.
func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"op":`)
	op, err := json.Marshal(string(e.Op))
	if err != nil {
		return nil, err
	}
	buf.Write(op)

	buf.WriteString(`,"data":`)
	if err := writeData(&buf, e); err != nil {
		return nil, err
	}

	buf.WriteString(`,"meta":`)
	if err := writeMeta(&buf, e.Meta); err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeData(buf *bytes.Buffer, e ChangeEvent) error {
	switch e.Op {
	case OpInsert:
		return writeRow(buf, e.New)
	case OpDelete:
		return writeRow(buf, e.Old)
	case OpUpdate:
		buf.WriteByte('{')
		buf.WriteString(`"new":`)
		if err := writeRow(buf, e.New); err != nil {
			return err
		}
		buf.WriteString(`,"old":`)
		if err := writeRow(buf, e.Old); err != nil {
			return err
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("event: unknown op %q", e.Op)
	}
}

func writeRow(buf *bytes.Buffer, row Row) error {
	buf.WriteByte('{')
	for i, f := range row {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return err
		}
		buf.Write(name)
		buf.WriteByte(':')
		if err := writeValue(buf, f.Value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeValue(buf *bytes.Buffer, v Value) error {
	switch v.Kind {
	case ValueNull:
		buf.WriteString("null")
		return nil
	case ValueBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case ValueInt64:
		fmt.Fprintf(buf, "%d", v.Int)
		return nil
	case ValueText:
		s, err := json.Marshal(v.Text)
		if err != nil {
			return err
		}
		buf.Write(s)
		return nil
	default:
		return fmt.Errorf("event: unknown value kind %d", v.Kind)
	}
}

func writeMeta(buf *bytes.Buffer, m Metadata) error {
	buf.WriteByte('{')

	source, err := json.Marshal(m.Source)
	if err != nil {
		return err
	}
	buf.WriteString(`"source":`)
	buf.Write(source)

	resource, err := json.Marshal(m.Resource)
	if err != nil {
		return err
	}
	buf.WriteString(`,"resource":`)
	buf.Write(resource)

	schema, err := json.Marshal(m.Schema)
	if err != nil {
		return err
	}
	buf.WriteString(`,"schema":`)
	buf.Write(schema)

	fmt.Fprintf(buf, `,"timestamp":%d`, m.Timestamp)

	buf.WriteString(`,"lsn":`)
	if m.LSN == nil {
		buf.WriteString("null")
	} else {
		lsn, err := json.Marshal(*m.LSN)
		if err != nil {
			return err
		}
		buf.Write(lsn)
	}

	buf.WriteByte('}')
	return nil
}
