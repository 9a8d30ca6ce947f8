// Package rref implements remote references: the owner-side value
// holder, the user-side handles, and the per-node registry that runs the
// fork and delete protocol between them.
package rref

import (
	"fmt"
	"sync/atomic"

	"github.com/najoast/rref/message"
)

// ID is a globally unique identifier stamped by the worker that created
// it. LocalIDs start at 1 and are never reused.
type ID struct {
	CreatedOn message.WorkerID `json:"created_on"`
	LocalID   uint64           `json:"local_id"`
}

// RRefID identifies an owned value.
type RRefID = ID

// ForkID identifies one reference instance to an RRefID. A ForkID equal
// to its RRefID is the owner's own reference.
type ForkID = ID

// String returns a string representation of the ID.
func (id ID) String() string {
	return fmt.Sprintf("(%d:%d)", id.CreatedOn, id.LocalID)
}

// IsZero reports whether the ID was never assigned.
func (id ID) IsZero() bool {
	return id.LocalID == 0
}

// IDGenerator hands out IDs stamped with one worker.
type IDGenerator struct {
	worker message.WorkerID
	next   uint64
}

// NewIDGenerator creates a generator for worker.
func NewIDGenerator(worker message.WorkerID) *IDGenerator {
	return &IDGenerator{worker: worker}
}

// Next returns a fresh ID.
func (g *IDGenerator) Next() ID {
	return ID{CreatedOn: g.worker, LocalID: atomic.AddUint64(&g.next, 1)}
}

// Descriptor is the transferable form of a handle: everything a receiver
// needs to adopt it.
type Descriptor struct {
	Owner  message.WorkerID `json:"owner"`
	RRefID RRefID           `json:"rref_id"`
	ForkID ForkID           `json:"fork_id"`
}

// IsOwnerReference reports whether the descriptor names the owner's own
// reference rather than a fork.
func (d Descriptor) IsOwnerReference() bool {
	return d.RRefID == d.ForkID
}

// String returns a string representation of the descriptor.
func (d Descriptor) String() string {
	return fmt.Sprintf("rref%s@%s fork%s", d.RRefID, d.Owner, d.ForkID)
}
