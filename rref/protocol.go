package rref

import (
	"github.com/najoast/rref/message"
)

// FetchRequest asks the owner for the value of an RRef.
type FetchRequest struct {
	RRefID RRefID `json:"rref_id"`

	// Opaque asks for the value serialized by the opaque collaborator
	Opaque bool `json:"opaque,omitempty"`
}

// ForkRef names one fork of an RRef. It is the payload of UserAccept,
// UserDelete and ForkAccept.
type ForkRef struct {
	RRefID RRefID `json:"rref_id"`
	ForkID ForkID `json:"fork_id"`
}

// ForkNotify announces a fork. Sent by the forker to the owner, and by
// the owner to Dst as the grant.
type ForkNotify struct {
	Owner  message.WorkerID `json:"owner"`
	RRefID RRefID           `json:"rref_id"`
	ForkID ForkID           `json:"fork_id"`
	Dst    message.WorkerID `json:"dst"`
}

// NewFetchMessage builds a Fetch request.
func NewFetchMessage(rrefID RRefID, opaque bool) *message.Message {
	return message.NewMessage(message.TypeFetch,
		message.MustEncodePayload(FetchRequest{RRefID: rrefID, Opaque: opaque}))
}

// NewUserAcceptMessage builds the owner's confirmation to a user.
func NewUserAcceptMessage(rrefID RRefID, forkID ForkID) *message.Message {
	return newForkRefMessage(message.TypeUserAccept, rrefID, forkID)
}

// NewUserDeleteMessage builds the release notification sent to the owner.
func NewUserDeleteMessage(rrefID RRefID, forkID ForkID) *message.Message {
	return newForkRefMessage(message.TypeUserDelete, rrefID, forkID)
}

// NewForkAcceptMessage builds the fork destination's acceptance.
func NewForkAcceptMessage(rrefID RRefID, forkID ForkID) *message.Message {
	return newForkRefMessage(message.TypeForkAccept, rrefID, forkID)
}

// NewForkNotifyMessage builds a fork announcement or grant.
func NewForkNotifyMessage(n ForkNotify) *message.Message {
	return message.NewMessage(message.TypeForkNotify, message.MustEncodePayload(n))
}

func newForkRefMessage(typ message.Type, rrefID RRefID, forkID ForkID) *message.Message {
	return message.NewMessage(typ, message.MustEncodePayload(ForkRef{RRefID: rrefID, ForkID: forkID}))
}
