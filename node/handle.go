package node

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/najoast/rref/dispatch"
	"github.com/najoast/rref/message"
	"github.com/najoast/rref/rref"
)

// RRef is a handle to a value that lives on its owner. A handle held by
// the owner reads the value in place; any other handle fetches it.
type RRef struct {
	node   *Node
	owner  message.WorkerID
	rrefID rref.RRefID
	forkID rref.ForkID

	// user is the fork state of a handle created by a fork or a remote
	// call; nil for the owner's own handle
	user *rref.UserRRef

	released int32 // atomic
}

// Owner returns the worker holding the value.
func (r *RRef) Owner() message.WorkerID {
	return r.owner
}

// RRefID returns the ID of the referenced value.
func (r *RRef) RRefID() rref.RRefID {
	return r.rrefID
}

// ForkID returns the ID of this handle.
func (r *RRef) ForkID() rref.ForkID {
	return r.forkID
}

// IsOwner reports whether this handle lives on the owner.
func (r *RRef) IsOwner() bool {
	return r.owner == r.node.opts.Worker
}

// Descriptor returns the transferable form of this handle.
func (r *RRef) Descriptor() rref.Descriptor {
	return rref.Descriptor{Owner: r.owner, RRefID: r.rrefID, ForkID: r.forkID}
}

// Confirmed reports whether the owner tracks this handle.
func (r *RRef) Confirmed() bool {
	if r.user == nil {
		return true
	}
	return r.user.IsConfirmed()
}

// Released reports whether Release was called.
func (r *RRef) Released() bool {
	return atomic.LoadInt32(&r.released) == 1
}

func (r *RRef) String() string {
	return fmt.Sprintf("rref%s fork %s on %s", r.rrefID, r.forkID, r.owner)
}

// ToHere returns the value. An unconfirmed handle first waits for the
// owner's confirmation; an unset value is waited for on the owner.
func (r *RRef) ToHere(ctx context.Context) (message.Value, error) {
	if r.Released() {
		return nil, r.errReleased("to_here")
	}
	if r.IsOwner() {
		return r.LocalValue(ctx)
	}
	if err := r.user.WaitConfirmed(ctx); err != nil {
		return nil, err
	}

	resp, err := r.node.Request(ctx, r.owner, rref.NewFetchMessage(r.rrefID, false))
	if err != nil {
		return nil, err
	}
	if len(resp.Values) == 1 {
		return resp.Values[0], nil
	}
	return resp.Payload, nil
}

// ToHereOpaque returns the value serialized by the owner's opaque runner.
// Values created by opaque calls come back as they are.
func (r *RRef) ToHereOpaque(ctx context.Context) ([]byte, error) {
	if r.Released() {
		return nil, r.errReleased("to_here")
	}
	if r.IsOwner() {
		v, err := r.LocalValue(ctx)
		if err != nil {
			return nil, err
		}
		if data, ok := v.([]byte); ok {
			return data, nil
		}
		if r.node.opaque == nil {
			return nil, fmt.Errorf("%w: serialize %s", dispatch.ErrNoExecutor, r.rrefID)
		}
		return r.node.opaque.Serialize(v)
	}
	if err := r.user.WaitConfirmed(ctx); err != nil {
		return nil, err
	}

	resp, err := r.node.Request(ctx, r.owner, rref.NewFetchMessage(r.rrefID, true))
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// LocalValue waits for and returns the value of a handle held by the
// owner.
func (r *RRef) LocalValue(ctx context.Context) (message.Value, error) {
	if !r.IsOwner() {
		return nil, &rref.RRefError{Op: "local_value", RRefID: r.rrefID, ForkID: r.forkID, Err: rref.ErrNotOwner}
	}
	o, ok := r.node.registry.GetOwner(r.rrefID)
	if !ok {
		return nil, &rref.RRefError{Op: "local_value", RRefID: r.rrefID, ForkID: r.forkID, Err: rref.ErrStaleReference}
	}
	return o.GetValue(ctx)
}

// Fork hands a new reference to the value to dst and returns its
// descriptor, which dst adopts with Node.Adopt.
func (r *RRef) Fork(ctx context.Context, dst message.WorkerID) (rref.Descriptor, error) {
	if r.Released() {
		return rref.Descriptor{}, r.errReleased("fork")
	}
	if r.user == nil {
		return r.node.registry.ForkOwner(r.rrefID, dst)
	}
	return r.node.registry.Fork(ctx, r.user, dst)
}

// Release drops this handle. The owner frees the value once no handle
// is left. Releasing twice is a no-op.
func (r *RRef) Release() error {
	if !atomic.CompareAndSwapInt32(&r.released, 0, 1) {
		return nil
	}
	r.node.removeHandle(r)

	if r.user == nil {
		return r.node.registry.ReleaseOwnerRef(r.rrefID)
	}
	return r.node.registry.DelUserRRef(r.user)
}

func (r *RRef) errReleased(op string) error {
	return &rref.RRefError{Op: op, RRefID: r.rrefID, ForkID: r.forkID, Err: rref.ErrReleased}
}

// Calls

// RPC runs op on worker to and returns its single output.
func (n *Node) RPC(ctx context.Context, to message.WorkerID, op string, args ...message.Value) (message.Value, error) {
	resp, err := n.Request(ctx, to, dispatch.NewDirectCallMessage(op, args...))
	if err != nil {
		return nil, err
	}
	if len(resp.Values) != 1 {
		return nil, &dispatch.ArityError{Op: op, Got: len(resp.Values)}
	}
	return resp.Values[0], nil
}

// RPCOpaque runs the serialized function udf on worker to.
func (n *Node) RPCOpaque(ctx context.Context, to message.WorkerID, udf []byte) ([]byte, error) {
	resp, err := n.Request(ctx, to, dispatch.NewOpaqueCallMessage(udf))
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Remote runs op on worker to and returns a reference to its output,
// which stays on to.
func (n *Node) Remote(ctx context.Context, to message.WorkerID, op string, args ...message.Value) (*RRef, error) {
	return n.remote(ctx, to, func(rrefID rref.RRefID, forkID rref.ForkID) *message.Message {
		return dispatch.NewRemoteCreateMessage(rrefID, forkID, op, args...)
	})
}

// RemoteOpaque runs the serialized function udf on worker to and
// returns a reference to its output.
func (n *Node) RemoteOpaque(ctx context.Context, to message.WorkerID, udf []byte) (*RRef, error) {
	return n.remote(ctx, to, func(rrefID rref.RRefID, forkID rref.ForkID) *message.Message {
		return dispatch.NewRemoteCreateOpaqueMessage(rrefID, forkID, udf)
	})
}

func (n *Node) remote(ctx context.Context, to message.WorkerID, build func(rref.RRefID, rref.ForkID) *message.Message) (*RRef, error) {
	rrefID := n.registry.NewID()

	if to == n.opts.Worker {
		if _, err := n.registry.AddOwnerRef(rrefID); err != nil {
			return nil, err
		}
		h := n.addHandle(&RRef{node: n, owner: to, rrefID: rrefID, forkID: rrefID})
		if _, err := n.Request(ctx, to, build(rrefID, rrefID)); err != nil {
			h.Release()
			return nil, err
		}
		return h, nil
	}

	forkID := n.registry.NewID()
	u, err := n.registry.CreateUserRRef(to, rrefID, forkID)
	if err != nil {
		return nil, err
	}
	h := n.addHandle(&RRef{node: n, owner: to, rrefID: rrefID, forkID: forkID, user: u})

	if _, err := n.Request(ctx, to, build(rrefID, forkID)); err != nil {
		// A confirmation arriving after this is answered with a delete.
		n.registry.FailUserRRef(u, err)
		h.Release()
		return nil, err
	}
	return h, nil
}

// Adopt turns a descriptor received from a fork into a handle. The
// handle becomes usable once the owner confirmed the fork.
func (n *Node) Adopt(desc rref.Descriptor) (*RRef, error) {
	n.handlesMu.Lock()
	if h, ok := n.handles[desc.ForkID]; ok {
		n.handlesMu.Unlock()
		return h, nil
	}
	n.handlesMu.Unlock()

	var u *rref.UserRRef
	if desc.Owner == n.opts.Worker {
		var err error
		if u, err = n.registry.AdoptOwnerFork(desc); err != nil {
			return nil, err
		}
	} else {
		u = n.registry.GetOrCreateUserRRef(desc.Owner, desc.RRefID, desc.ForkID)
	}

	return n.addHandle(&RRef{node: n, owner: desc.Owner, rrefID: desc.RRefID, forkID: desc.ForkID, user: u}), nil
}

// Handles returns the live handles of this node, oldest first.
func (n *Node) Handles() []*RRef {
	n.handlesMu.Lock()
	handles := make([]*RRef, 0, len(n.handles))
	for _, h := range n.handles {
		handles = append(handles, h)
	}
	n.handlesMu.Unlock()

	sort.Slice(handles, func(i, j int) bool {
		a, b := handles[i].forkID, handles[j].forkID
		if a.CreatedOn != b.CreatedOn {
			return a.CreatedOn < b.CreatedOn
		}
		return a.LocalID < b.LocalID
	})
	return handles
}

func (n *Node) addHandle(h *RRef) *RRef {
	n.handlesMu.Lock()
	defer n.handlesMu.Unlock()

	if existing, ok := n.handles[h.forkID]; ok {
		return existing
	}
	n.handles[h.forkID] = h
	return h
}

func (n *Node) removeHandle(h *RRef) {
	n.handlesMu.Lock()
	if n.handles[h.forkID] == h {
		delete(n.handles, h.forkID)
	}
	n.handlesMu.Unlock()
}
