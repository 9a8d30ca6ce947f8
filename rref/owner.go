package rref

import (
	"context"
	"sync"

	"github.com/najoast/rref/message"
)

// OwnerRRef is the single authoritative holder of a value. The value is
// written once and then read by any number of fetchers; a fetch before
// the write suspends until it happens.
//
// The same mutex guards the fork bookkeeping of the entry. Waiters never
// hold it while suspended.
type OwnerRRef struct {
	id   RRefID
	done chan struct{}

	mu     sync.Mutex
	value  message.Value
	err    error
	set    bool
	opaque bool

	confirmed map[ForkID]struct{}
	pending   map[ForkID]message.WorkerID
	localRefs int
	deleted   bool
}

func newOwnerRRef(id RRefID) *OwnerRRef {
	return &OwnerRRef{
		id:        id,
		done:      make(chan struct{}),
		confirmed: make(map[ForkID]struct{}),
		pending:   make(map[ForkID]message.WorkerID),
	}
}

// ID returns the RRefID of this owner.
func (o *OwnerRRef) ID() RRefID {
	return o.id
}

// SetValue stores the value. It fails with ErrAlreadySet on a second
// call and leaves the first value in place.
func (o *OwnerRRef) SetValue(v message.Value) error {
	return o.complete(v, nil, false)
}

// SetOpaqueValue stores serialized bytes produced by an opaque call.
func (o *OwnerRRef) SetOpaqueValue(data []byte) error {
	return o.complete(data, nil, true)
}

// SetError completes the owner with a failure. Fetchers receive err.
func (o *OwnerRRef) SetError(err error) error {
	return o.complete(nil, err, false)
}

func (o *OwnerRRef) complete(v message.Value, err error, opaque bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deleted {
		return newError("set_value", o.id, ForkID{}, ErrStaleReference)
	}
	if o.set {
		return newError("set_value", o.id, ForkID{}, ErrAlreadySet)
	}

	o.value = v
	o.err = err
	o.opaque = opaque
	o.set = true
	close(o.done)
	return nil
}

// GetValue blocks until the value is set or ctx is done.
func (o *OwnerRRef) GetValue(ctx context.Context) (message.Value, error) {
	select {
	case <-o.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deleted {
		return nil, newError("get_value", o.id, ForkID{}, ErrStaleReference)
	}
	return o.value, o.err
}

// TryValue returns the value without blocking. ok is false while the
// value is unset.
func (o *OwnerRRef) TryValue() (v message.Value, ok bool, err error) {
	select {
	case <-o.done:
		v, err = o.GetValue(context.Background())
		return v, true, err
	default:
		return nil, false, nil
	}
}

// Done is closed once the owner holds a value, a failure, or has been
// released.
func (o *OwnerRRef) Done() <-chan struct{} {
	return o.done
}

// IsOpaque reports whether the value holds serialized opaque bytes.
func (o *OwnerRRef) IsOpaque() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opaque
}

// ForkCount returns the number of confirmed and pending forks.
func (o *OwnerRRef) ForkCount() (confirmed, pending int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.confirmed), len(o.pending)
}

// LocalRefs returns the number of owner-local handles.
func (o *OwnerRRef) LocalRefs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localRefs
}

// HasFork reports whether forkID is confirmed.
func (o *OwnerRRef) HasFork(forkID ForkID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.confirmed[forkID]
	return ok
}

// Released reports whether the entry was released.
func (o *OwnerRRef) Released() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deleted
}

// Fork bookkeeping. All of these run under the entry lock.

func (o *OwnerRRef) addConfirmed(forkID ForkID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deleted {
		return ErrStaleReference
	}
	if _, ok := o.confirmed[forkID]; ok {
		return ErrDuplicateFork
	}
	if _, ok := o.pending[forkID]; ok {
		return ErrDuplicateFork
	}
	o.confirmed[forkID] = struct{}{}
	return nil
}

func (o *OwnerRRef) addPending(forkID ForkID, dst message.WorkerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deleted {
		return ErrStaleReference
	}
	if _, ok := o.confirmed[forkID]; ok {
		return ErrDuplicateFork
	}
	if _, ok := o.pending[forkID]; ok {
		return ErrDuplicateFork
	}
	o.pending[forkID] = dst
	return nil
}

func (o *OwnerRRef) promote(forkID ForkID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deleted {
		return ErrStaleReference
	}
	if _, ok := o.pending[forkID]; !ok {
		return ErrUnknownFork
	}
	delete(o.pending, forkID)
	o.confirmed[forkID] = struct{}{}
	return nil
}

func (o *OwnerRRef) dropPending(forkID ForkID) {
	o.mu.Lock()
	delete(o.pending, forkID)
	o.mu.Unlock()
}

func (o *OwnerRRef) removeConfirmed(forkID ForkID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deleted {
		return ErrStaleReference
	}
	if _, ok := o.confirmed[forkID]; !ok {
		return ErrUnknownFork
	}
	delete(o.confirmed, forkID)
	return nil
}

func (o *OwnerRRef) addLocal() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deleted {
		return ErrStaleReference
	}
	o.localRefs++
	return nil
}

func (o *OwnerRRef) releaseLocal() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deleted {
		return ErrStaleReference
	}
	if o.localRefs == 0 {
		return ErrReleased
	}
	o.localRefs--
	return nil
}

// tryRelease marks the entry deleted when nothing references it anymore.
// It reports whether it did.
func (o *OwnerRRef) tryRelease() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deleted || len(o.confirmed) > 0 || len(o.pending) > 0 || o.localRefs > 0 {
		return false
	}

	o.deleted = true
	o.value = nil
	if !o.set {
		o.set = true
		o.err = ErrStaleReference
		close(o.done)
	}
	return true
}
