package rref

import (
	"context"
	"sync"

	"github.com/najoast/rref/message"
)

// UserRRef is the state a process keeps for one fork it holds. It is not
// usable until the owner has confirmed the fork.
type UserRRef struct {
	owner  message.WorkerID
	rrefID RRefID
	forkID ForkID

	confirmedCh chan struct{}

	mu              sync.Mutex
	confirmed       bool
	failed          error
	forksInFlight   int
	deleteRequested bool
	deleteSent      bool
	granted         bool
}

func newUserRRef(owner message.WorkerID, rrefID RRefID, forkID ForkID) *UserRRef {
	return &UserRRef{
		owner:       owner,
		rrefID:      rrefID,
		forkID:      forkID,
		confirmedCh: make(chan struct{}),
	}
}

// Owner returns the worker holding the value.
func (u *UserRRef) Owner() message.WorkerID {
	return u.owner
}

// RRefID returns the referenced value's ID.
func (u *UserRRef) RRefID() RRefID {
	return u.rrefID
}

// ForkID returns the ID of this fork.
func (u *UserRRef) ForkID() ForkID {
	return u.forkID
}

// Descriptor returns the transferable form of this fork.
func (u *UserRRef) Descriptor() Descriptor {
	return Descriptor{Owner: u.owner, RRefID: u.rrefID, ForkID: u.forkID}
}

// IsConfirmed reports whether the owner has confirmed this fork.
func (u *UserRRef) IsConfirmed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.confirmed
}

// IsReleased reports whether the holder released this fork.
func (u *UserRRef) IsReleased() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.deleteRequested
}

// WaitConfirmed blocks until the owner confirmed the fork, the
// confirmation failed, or ctx is done.
func (u *UserRRef) WaitConfirmed(ctx context.Context) error {
	select {
	case <-u.confirmedCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failed != nil {
		return u.failed
	}
	if u.deleteRequested {
		return newError("wait_confirmed", u.rrefID, u.forkID, ErrReleased)
	}
	return nil
}

// confirm marks the fork usable. It reports whether a delete requested
// earlier can now be sent.
func (u *UserRRef) confirm() (sendDelete bool, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.confirmed {
		return false, ErrDuplicateFork
	}
	if u.failed != nil {
		return false, u.failed
	}
	u.confirmed = true
	close(u.confirmedCh)
	return u.readyToDeleteLocked(), nil
}

// Err returns the failure that prevented confirmation, if any.
func (u *UserRRef) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.failed
}

// markGranted reports whether this is the first grant seen for the fork.
func (u *UserRRef) markGranted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.granted {
		return false
	}
	u.granted = true
	return true
}

func (u *UserRRef) fail(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.confirmed || u.failed != nil {
		return
	}
	u.failed = err
	close(u.confirmedCh)
}

// beginFork records a fork-away in flight. Releasing the handle waits for
// it to finish.
func (u *UserRRef) beginFork() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.deleteRequested {
		return ErrReleased
	}
	if !u.confirmed {
		return ErrUnknownFork
	}
	u.forksInFlight++
	return nil
}

func (u *UserRRef) endFork() (sendDelete bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.forksInFlight--
	return u.readyToDeleteLocked()
}

// requestDelete marks the fork released. It reports whether the delete
// can be sent now; otherwise it goes out once the fork is confirmed and
// no fork-away is in flight.
func (u *UserRRef) requestDelete() (sendDelete bool, already bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.deleteRequested {
		return false, true
	}
	u.deleteRequested = true
	return u.readyToDeleteLocked(), false
}

func (u *UserRRef) readyToDeleteLocked() bool {
	if !u.deleteRequested || u.deleteSent || !u.confirmed || u.forksInFlight > 0 {
		return false
	}
	u.deleteSent = true
	return true
}
