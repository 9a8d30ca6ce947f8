// Package message defines the envelope exchanged between workers.
package message

import (
	"fmt"
	"strconv"
)

// WorkerID identifies a worker process in the group.
type WorkerID uint32

// String returns the string representation of WorkerID.
func (w WorkerID) String() string {
	return "worker" + strconv.FormatUint(uint64(w), 10)
}

// Type is the tag that tells the receiving dispatcher how to decode a
// message. The set of valid tags is closed.
type Type uint8

const (
	// TypeNone is the zero value. Empty acknowledgments carry it.
	TypeNone Type = iota

	// TypeDirectCall runs a registered operation and returns its single output
	TypeDirectCall

	// TypeOpaqueCall runs an opaque user payload
	TypeOpaqueCall

	// TypeOpaqueCallResult carries the serialized result of an opaque call
	TypeOpaqueCallResult

	// TypeRemoteCreate runs an operation and stores its output in an OwnerRRef
	TypeRemoteCreate

	// TypeRemoteCreateOpaque runs an opaque payload and stores its output in an OwnerRRef
	TypeRemoteCreateOpaque

	// TypeFetch asks the owner for the value behind an RRef
	TypeFetch

	// TypeFetchResult carries a value back to the caller
	TypeFetchResult

	// TypeUserAccept tells a user that the owner confirmed its fork
	TypeUserAccept

	// TypeUserDelete tells the owner that a holder released its fork
	TypeUserDelete

	// TypeForkNotify announces a fork to the owner, and carries the grant
	// from the owner to the fork destination
	TypeForkNotify

	// TypeForkAccept tells the owner that the fork destination took the grant
	TypeForkAccept

	// TypeException carries the text of a failure back to the caller
	TypeException
)

// String returns the string representation of Type.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeDirectCall:
		return "direct_call"
	case TypeOpaqueCall:
		return "opaque_call"
	case TypeOpaqueCallResult:
		return "opaque_call_result"
	case TypeRemoteCreate:
		return "remote_create"
	case TypeRemoteCreateOpaque:
		return "remote_create_opaque"
	case TypeFetch:
		return "fetch"
	case TypeFetchResult:
		return "fetch_result"
	case TypeUserAccept:
		return "user_accept"
	case TypeUserDelete:
		return "user_delete"
	case TypeForkNotify:
		return "fork_notify"
	case TypeForkAccept:
		return "fork_accept"
	case TypeException:
		return "exception"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether t belongs to the closed set of request and
// response tags.
func (t Type) Valid() bool {
	return t >= TypeDirectCall && t <= TypeException
}

// IsControl reports whether t is one of the fork lifecycle messages.
func (t Type) IsControl() bool {
	switch t {
	case TypeUserAccept, TypeUserDelete, TypeForkNotify, TypeForkAccept:
		return true
	default:
		return false
	}
}
