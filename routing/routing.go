// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package routing matches ChangeEvents against configured stream routes
// and computes Kafka partition keys.
package routing

import (
	"strconv"
	"strings"

	"github.com/z5labs/pgcdc/event"
)

// Route is one configured stream: events from SourceTable matching one of
// Operations are published to DestinationTopic. RoutingKeyField, when
// set, names the row field whose rendered scalar becomes the partition
// key; otherwise the table name is used.
type Route struct {
	SourceTable       string
	Operations        []event.Op
	DestinationTopic  string
	RoutingKeyField   string
}

func (r Route) matchesOp(op event.Op) bool {
	for _, o := range r.Operations {
		if strings.EqualFold(string(o), string(op)) {
			return true
		}
	}
	return false
}

// Table is an ordered set of routes, searched in configuration order.
type Table []Route

// Match returns every route in t whose SourceTable equals ev's resource
// and whose Operations contains ev's op, case-insensitively.
func (t Table) Match(ev event.ChangeEvent) []Route {
	var matched []Route
	for _, r := range t {
		if r.SourceTable == ev.Meta.Resource && r.matchesOp(ev.Op) {
			matched = append(matched, r)
		}
	}
	return matched
}

// PartitionKey computes the partition key for ev under route per §4.6: the
// named routing-key field's scalar rendered as a string when configured
// and present and non-null, otherwise the event's resource name.
func PartitionKey(route Route, ev event.ChangeEvent) string {
	if route.RoutingKeyField == "" {
		return ev.Meta.Resource
	}

	row := ev.New
	if ev.Op == event.OpDelete {
		row = ev.Old
	}

	for _, f := range row {
		if f.Name != route.RoutingKeyField {
			continue
		}
		if s, ok := renderScalar(f.Value); ok {
			return s
		}
	}
	return ev.Meta.Resource
}

// renderScalar renders v the way §4.6 specifies: integers decimal,
// booleans "true"/"false", strings as-is; null falls through (ok=false).
func renderScalar(v event.Value) (string, bool) {
	switch v.Kind {
	case event.ValueNull:
		return "", false
	case event.ValueBool:
		return strconv.FormatBool(v.Bool), true
	case event.ValueInt64:
		return strconv.FormatInt(v.Int, 10), true
	case event.ValueText:
		return v.Text, true
	default:
		return "", false
	}
}
