// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package registry tracks the relation schemas announced by a logical
// replication stream. It is accessed only by the session's single receive
// thread and so is not synchronized.
package registry

import (
	"fmt"

	"github.com/z5labs/pgcdc/pgoutput"
)

// NotFoundError is returned by Get when a relation id has never been
// registered. PostgreSQL guarantees a Relation message precedes first use
// of its id within a session, so this indicates a protocol violation or a
// bug and is treated as fatal by callers.
type NotFoundError struct {
	RelationID uint32
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("registry: relation %d not found", e.RelationID)
}

// Registry maps relation ids to the most recently announced schema.
type Registry struct {
	relations map[uint32]pgoutput.RelationInfo
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		relations: make(map[uint32]pgoutput.RelationInfo),
	}
}

// Register stores info, replacing any previous entry for the same
// relation id entirely (including its column list).
func (r *Registry) Register(info pgoutput.RelationInfo) {
	r.relations[info.RelationID] = info
}

// Get returns the current schema for relationID.
func (r *Registry) Get(relationID uint32) (pgoutput.RelationInfo, error) {
	info, ok := r.relations[relationID]
	if !ok {
		return pgoutput.RelationInfo{}, NotFoundError{RelationID: relationID}
	}
	return info, nil
}

// Contains reports whether relationID has been registered.
func (r *Registry) Contains(relationID uint32) bool {
	_, ok := r.relations[relationID]
	return ok
}

// Count returns the number of distinct relations currently registered.
func (r *Registry) Count() int {
	return len(r.relations)
}
