package rref

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/najoast/rref/logging"
	"github.com/najoast/rref/message"
)

var log = logging.Logger(logging.ModuleRRef)

// Requester sends a request to a worker and waits for its response.
type Requester interface {
	Request(ctx context.Context, to message.WorkerID, msg *message.Message) (*message.Message, error)
}

// RequesterFunc adapts a function to the Requester interface.
type RequesterFunc func(ctx context.Context, to message.WorkerID, msg *message.Message) (*message.Message, error)

// Request calls f.
func (f RequesterFunc) Request(ctx context.Context, to message.WorkerID, msg *message.Message) (*message.Message, error) {
	return f(ctx, to, msg)
}

// Options contains configuration options for a Context.
type Options struct {
	// TombstoneCapacity bounds how many released RRefIDs are remembered
	// for stale reference detection
	TombstoneCapacity int

	// RequestTimeout bounds each protocol message the registry sends
	RequestTimeout time.Duration
}

// DefaultOptions returns sensible default options.
func DefaultOptions() Options {
	return Options{
		TombstoneCapacity: 65536,
		RequestTimeout:    30 * time.Second,
	}
}

// Stats is a snapshot of the registry.
type Stats struct {
	Owners         int
	ConfirmedForks int
	PendingForks   int
	LocalRefs      int
	Users          int
	ConfirmedUsers int
	ForksInFlight  int
}

// Context is the per-node registry of owned values and held forks. It
// runs the ownership protocol: the owner keeps a value while any
// confirmed or pending fork, or any owner-local handle, exists.
//
// The owner table lock is held only for insertion and lookup; fork
// transitions take the lock of the entry they touch.
type Context struct {
	worker    message.WorkerID
	ids       *IDGenerator
	requester Requester
	opts      Options

	mu         sync.Mutex
	owners     map[RRefID]*OwnerRRef
	tombstones *lru.Cache

	usersMu       sync.Mutex
	users         map[ForkID]*UserRRef
	forksInFlight map[ForkID]Descriptor

	ctx      context.Context
	cancel   context.CancelFunc
	asyncMu  sync.Mutex
	idle     *sync.Cond
	inflight int
	closed   bool
}

// NewContext creates the registry of worker. Protocol messages go out
// through requester.
func NewContext(worker message.WorkerID, requester Requester, opts Options) *Context {
	if opts.TombstoneCapacity <= 0 {
		opts.TombstoneCapacity = DefaultOptions().TombstoneCapacity
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOptions().RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Context{
		worker:        worker,
		ids:           NewIDGenerator(worker),
		requester:     requester,
		opts:          opts,
		owners:        make(map[RRefID]*OwnerRRef),
		tombstones:    lru.New(opts.TombstoneCapacity),
		users:         make(map[ForkID]*UserRRef),
		forksInFlight: make(map[ForkID]Descriptor),
		ctx:           ctx,
		cancel:        cancel,
	}
	c.idle = sync.NewCond(&c.asyncMu)
	return c
}

// WorkerID returns the worker this registry belongs to.
func (c *Context) WorkerID() message.WorkerID {
	return c.worker
}

// NewID returns a fresh ID stamped with this worker.
func (c *Context) NewID() ID {
	return c.ids.Next()
}

// Owner side

// GetOrCreateOwner returns the OwnerRRef of id, creating an empty one on
// first reference. It fails with ErrStaleReference once id was released.
func (c *Context) GetOrCreateOwner(id RRefID) (*OwnerRRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if o, ok := c.owners[id]; ok {
		if o.Released() {
			return nil, newError("get_or_create_owner", id, ForkID{}, ErrStaleReference)
		}
		return o, nil
	}
	if _, dead := c.tombstones.Get(id); dead {
		return nil, newError("get_or_create_owner", id, ForkID{}, ErrStaleReference)
	}

	o := newOwnerRRef(id)
	c.owners[id] = o
	return o, nil
}

// GetOwner looks up the OwnerRRef of id without creating it.
func (c *Context) GetOwner(id RRefID) (*OwnerRRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.owners[id]
	return o, ok
}

func (c *Context) lookupOwner(op string, rrefID RRefID, forkID ForkID) (*OwnerRRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if o, ok := c.owners[rrefID]; ok {
		return o, nil
	}
	if _, dead := c.tombstones.Get(rrefID); dead {
		return nil, newError(op, rrefID, forkID, ErrStaleReference)
	}
	return nil, newError(op, rrefID, forkID, ErrUnknownRRef)
}

// AcceptUserRRef confirms a fork created by a remote call and tells its
// creator, origin, that the fork is usable.
func (c *Context) AcceptUserRRef(rrefID RRefID, forkID ForkID, origin message.WorkerID) error {
	o, err := c.GetOrCreateOwner(rrefID)
	if err != nil {
		return err
	}
	if forkID == rrefID {
		return nil
	}
	if err := o.addConfirmed(forkID); err != nil {
		return newError("accept_user_rref", rrefID, forkID, err)
	}

	log.Debugf("confirmed fork %s of %s for %s", forkID, rrefID, origin)
	c.goAsync(func(ctx context.Context) {
		if _, err := c.request(ctx, origin, NewUserAcceptMessage(rrefID, forkID)); err != nil {
			log.Errorf("failed to send user accept of %s fork %s to %s: %v", rrefID, forkID, origin, err)
		}
	})
	return nil
}

// AcceptForkRequest records a fork of rrefID handed to dst and sends dst
// the grant. The fork stays pending until dst accepts it. A fork handed
// to the owner itself is confirmed on the spot.
func (c *Context) AcceptForkRequest(rrefID RRefID, forkID ForkID, dst message.WorkerID) error {
	o, err := c.GetOrCreateOwner(rrefID)
	if err != nil {
		return err
	}

	if dst == c.worker {
		if err := o.addConfirmed(forkID); err != nil {
			return newError("accept_fork_request", rrefID, forkID, err)
		}
		u, _ := c.getOrCreateUser(c.worker, rrefID, forkID)
		u.confirm()
		return nil
	}

	if err := o.addPending(forkID, dst); err != nil {
		return newError("accept_fork_request", rrefID, forkID, err)
	}

	log.Debugf("pending fork %s of %s for %s", forkID, rrefID, dst)
	grant := NewForkNotifyMessage(ForkNotify{Owner: c.worker, RRefID: rrefID, ForkID: forkID, Dst: dst})
	c.goAsync(func(ctx context.Context) {
		if _, err := c.request(ctx, dst, grant); err != nil {
			log.Errorf("failed to grant fork %s of %s to %s: %v", forkID, rrefID, dst, err)
			o.dropPending(forkID)
			c.maybeRelease(o)
		}
	})
	return nil
}

// FinishForkRequest promotes a pending fork to confirmed once its
// destination accepted it.
func (c *Context) FinishForkRequest(rrefID RRefID, forkID ForkID) error {
	o, err := c.lookupOwner("finish_fork_request", rrefID, forkID)
	if err != nil {
		return err
	}
	if err := o.promote(forkID); err != nil {
		return newError("finish_fork_request", rrefID, forkID, err)
	}
	log.Debugf("confirmed fork %s of %s", forkID, rrefID)
	return nil
}

// DelForkOfOwner removes a confirmed fork. When the last fork goes and
// the owner holds no local handle, the value is released.
func (c *Context) DelForkOfOwner(rrefID RRefID, forkID ForkID) error {
	o, err := c.lookupOwner("del_fork_of_owner", rrefID, forkID)
	if err != nil {
		return err
	}
	if err := o.removeConfirmed(forkID); err != nil {
		return newError("del_fork_of_owner", rrefID, forkID, err)
	}
	c.maybeRelease(o)
	return nil
}

// AddOwnerRef counts a handle held by the owner process itself.
func (c *Context) AddOwnerRef(rrefID RRefID) (*OwnerRRef, error) {
	o, err := c.GetOrCreateOwner(rrefID)
	if err != nil {
		return nil, err
	}
	if err := o.addLocal(); err != nil {
		return nil, newError("add_owner_ref", rrefID, rrefID, err)
	}
	return o, nil
}

// ReleaseOwnerRef drops a handle held by the owner process itself.
func (c *Context) ReleaseOwnerRef(rrefID RRefID) error {
	o, err := c.lookupOwner("release_owner_ref", rrefID, rrefID)
	if err != nil {
		return err
	}
	if err := o.releaseLocal(); err != nil {
		return newError("release_owner_ref", rrefID, rrefID, err)
	}
	c.maybeRelease(o)
	return nil
}

// ForkOwner forks the owner's own reference to dst.
func (c *Context) ForkOwner(rrefID RRefID, dst message.WorkerID) (Descriptor, error) {
	if _, err := c.lookupOwner("fork", rrefID, rrefID); err != nil {
		return Descriptor{}, err
	}
	forkID := c.ids.Next()
	if err := c.AcceptForkRequest(rrefID, forkID, dst); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{Owner: c.worker, RRefID: rrefID, ForkID: forkID}, nil
}

// AdoptOwnerFork returns the handle state of a fork the owner handed to
// itself.
func (c *Context) AdoptOwnerFork(desc Descriptor) (*UserRRef, error) {
	o, err := c.lookupOwner("adopt", desc.RRefID, desc.ForkID)
	if err != nil {
		return nil, err
	}
	if !o.HasFork(desc.ForkID) {
		return nil, newError("adopt", desc.RRefID, desc.ForkID, ErrUnknownFork)
	}
	u, _ := c.getOrCreateUser(c.worker, desc.RRefID, desc.ForkID)
	return u, nil
}

func (c *Context) maybeRelease(o *OwnerRRef) {
	if !o.tryRelease() {
		return
	}

	c.mu.Lock()
	if c.owners[o.id] == o {
		delete(c.owners, o.id)
	}
	c.tombstones.Add(o.id, struct{}{})
	c.mu.Unlock()

	log.Debugf("released %s", o.id)
}

// User side

// CreateUserRRef registers the unconfirmed fork of a remote call issued
// by this worker.
func (c *Context) CreateUserRRef(owner message.WorkerID, rrefID RRefID, forkID ForkID) (*UserRRef, error) {
	u, created := c.getOrCreateUser(owner, rrefID, forkID)
	if !created {
		return nil, newError("create_user_rref", rrefID, forkID, ErrDuplicateFork)
	}
	return u, nil
}

// GetOrCreateUserRRef returns the state of a received fork, creating it
// unconfirmed if it was not seen before.
func (c *Context) GetOrCreateUserRRef(owner message.WorkerID, rrefID RRefID, forkID ForkID) *UserRRef {
	u, _ := c.getOrCreateUser(owner, rrefID, forkID)
	return u
}

// GetUserRRef looks up a held fork.
func (c *Context) GetUserRRef(forkID ForkID) (*UserRRef, bool) {
	c.usersMu.Lock()
	defer c.usersMu.Unlock()
	u, ok := c.users[forkID]
	return u, ok
}

func (c *Context) getOrCreateUser(owner message.WorkerID, rrefID RRefID, forkID ForkID) (*UserRRef, bool) {
	c.usersMu.Lock()
	defer c.usersMu.Unlock()

	if u, ok := c.users[forkID]; ok {
		return u, false
	}
	u := newUserRRef(owner, rrefID, forkID)
	c.users[forkID] = u
	return u, true
}

// FinishUserRRef marks the fork confirmed by owner usable. A fork this
// worker no longer holds, or gave up on, is deleted again at once so the
// owner does not keep it.
func (c *Context) FinishUserRRef(owner message.WorkerID, rrefID RRefID, forkID ForkID) error {
	u, ok := c.GetUserRRef(forkID)
	if !ok {
		log.Debugf("fork %s of %s was given up, deleting it", forkID, rrefID)
		c.deleteFork(owner, rrefID, forkID)
		return nil
	}
	sendDelete, err := u.confirm()
	if err != nil {
		if u.Err() == nil {
			return newError("finish_user_rref", rrefID, forkID, err)
		}
		log.Debugf("fork %s of %s failed before confirmation, deleting it", forkID, rrefID)
		c.removeUser(u)
		c.deleteFork(owner, rrefID, forkID)
		return nil
	}
	log.Debugf("fork %s of %s is usable", forkID, rrefID)
	if sendDelete {
		c.sendDelete(u)
	}
	return nil
}

// ReceiveForkGrant handles the owner's grant of a fork to this worker:
// the fork is registered and accepted, and becomes usable once the owner
// acknowledged the acceptance.
func (c *Context) ReceiveForkGrant(owner message.WorkerID, rrefID RRefID, forkID ForkID) error {
	u := c.GetOrCreateUserRRef(owner, rrefID, forkID)
	if !u.markGranted() {
		return newError("receive_fork_grant", rrefID, forkID, ErrDuplicateFork)
	}

	c.goAsync(func(ctx context.Context) {
		if _, err := c.request(ctx, owner, NewForkAcceptMessage(rrefID, forkID)); err != nil {
			log.Errorf("failed to accept fork %s of %s: %v", forkID, rrefID, err)
			u.fail(newError("fork_accept", rrefID, forkID, err))
			return
		}
		if err := c.FinishUserRRef(owner, rrefID, forkID); err != nil {
			log.Errorf("%v", err)
		}
	})
	return nil
}

// Fork hands a new fork of u to dst through the owner. u stays
// undeletable until the owner acknowledged the fork.
func (c *Context) Fork(ctx context.Context, u *UserRRef, dst message.WorkerID) (Descriptor, error) {
	if err := u.WaitConfirmed(ctx); err != nil {
		return Descriptor{}, err
	}
	if err := u.beginFork(); err != nil {
		return Descriptor{}, newError("fork", u.rrefID, u.forkID, err)
	}

	desc := Descriptor{Owner: u.owner, RRefID: u.rrefID, ForkID: c.ids.Next()}
	c.usersMu.Lock()
	c.forksInFlight[desc.ForkID] = desc
	c.usersMu.Unlock()

	notify := NewForkNotifyMessage(ForkNotify{Owner: u.owner, RRefID: u.rrefID, ForkID: desc.ForkID, Dst: dst})
	_, err := c.request(ctx, u.owner, notify)

	c.usersMu.Lock()
	delete(c.forksInFlight, desc.ForkID)
	c.usersMu.Unlock()

	if u.endFork() {
		c.sendDelete(u)
	}
	if err != nil {
		return Descriptor{}, newError("fork", u.rrefID, desc.ForkID, err)
	}
	return desc, nil
}

// DelUserRRef releases a held fork. The owner is notified once the fork
// is confirmed and no fork-away of it is in flight. Releasing twice is a
// no-op.
func (c *Context) DelUserRRef(u *UserRRef) error {
	sendDelete, already := u.requestDelete()
	if already {
		return nil
	}
	if u.Err() != nil {
		c.removeUser(u)
		return nil
	}
	if sendDelete {
		c.sendDelete(u)
	}
	return nil
}

// FailUserRRef drops a fork whose confirmation can no longer arrive,
// such as the fork of a remote call that never reached the owner. Waiters
// see err.
func (c *Context) FailUserRRef(u *UserRRef, err error) {
	u.fail(err)
	if u.IsConfirmed() {
		return
	}
	c.removeUser(u)
}

func (c *Context) sendDelete(u *UserRRef) {
	c.removeUser(u)
	c.deleteFork(u.owner, u.rrefID, u.forkID)
}

func (c *Context) deleteFork(owner message.WorkerID, rrefID RRefID, forkID ForkID) {
	c.goAsync(func(ctx context.Context) {
		if _, err := c.request(ctx, owner, NewUserDeleteMessage(rrefID, forkID)); err != nil {
			log.Errorf("failed to delete fork %s of %s: %v", forkID, rrefID, err)
		}
	})
}

func (c *Context) removeUser(u *UserRRef) {
	c.usersMu.Lock()
	if c.users[u.forkID] == u {
		delete(c.users, u.forkID)
	}
	c.usersMu.Unlock()
}

// ReleaseAll releases every fork this worker still holds.
func (c *Context) ReleaseAll() {
	c.usersMu.Lock()
	users := make([]*UserRRef, 0, len(c.users))
	for _, u := range c.users {
		users = append(users, u)
	}
	c.usersMu.Unlock()

	for _, u := range users {
		c.DelUserRRef(u)
	}
}

// Stats returns a snapshot of the registry.
func (c *Context) Stats() Stats {
	var stats Stats

	c.mu.Lock()
	owners := make([]*OwnerRRef, 0, len(c.owners))
	for _, o := range c.owners {
		owners = append(owners, o)
	}
	c.mu.Unlock()

	stats.Owners = len(owners)
	for _, o := range owners {
		confirmed, pending := o.ForkCount()
		stats.ConfirmedForks += confirmed
		stats.PendingForks += pending
		stats.LocalRefs += o.LocalRefs()
	}

	c.usersMu.Lock()
	stats.Users = len(c.users)
	for _, u := range c.users {
		if u.IsConfirmed() {
			stats.ConfirmedUsers++
		}
	}
	stats.ForksInFlight = len(c.forksInFlight)
	c.usersMu.Unlock()

	return stats
}

// Wait blocks until every protocol message sent so far got its response.
func (c *Context) Wait() {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()
	for c.inflight > 0 {
		c.idle.Wait()
	}
}

// Close stops sending protocol messages and waits for the ones in flight.
func (c *Context) Close() {
	c.asyncMu.Lock()
	c.closed = true
	for c.inflight > 0 {
		c.idle.Wait()
	}
	c.asyncMu.Unlock()

	c.cancel()
}

func (c *Context) request(ctx context.Context, to message.WorkerID, msg *message.Message) (*message.Message, error) {
	resp, err := c.requester.Request(ctx, to, msg)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Context) goAsync(fn func(ctx context.Context)) {
	c.asyncMu.Lock()
	if c.closed {
		c.asyncMu.Unlock()
		log.Warningf("registry of %s is closed, dropping protocol message", c.worker)
		return
	}
	c.inflight++
	c.asyncMu.Unlock()

	go func() {
		defer c.asyncDone()
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (c *Context) asyncDone() {
	c.asyncMu.Lock()
	c.inflight--
	if c.inflight == 0 {
		c.idle.Broadcast()
	}
	c.asyncMu.Unlock()
}
