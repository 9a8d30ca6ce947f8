package rref

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/rref/message"
)

// testCluster routes protocol messages between registries directly, the
// way a dispatcher would.
type testCluster struct {
	mu       sync.Mutex
	contexts map[message.WorkerID]*Context
	sent     []message.Type
	down     map[message.WorkerID]bool
	gates    map[message.Type]chan struct{}
}

func newTestCluster(workers ...message.WorkerID) *testCluster {
	cl := &testCluster{
		contexts: make(map[message.WorkerID]*Context),
		down:     make(map[message.WorkerID]bool),
		gates:    make(map[message.Type]chan struct{}),
	}
	for _, w := range workers {
		w := w
		cl.contexts[w] = NewContext(w, RequesterFunc(func(ctx context.Context, to message.WorkerID, msg *message.Message) (*message.Message, error) {
			return cl.deliver(ctx, w, to, msg)
		}), DefaultOptions())
	}
	return cl
}

func (cl *testCluster) ctx(w message.WorkerID) *Context {
	return cl.contexts[w]
}

// gate holds every message of typ until the returned function is called.
func (cl *testCluster) gate(typ message.Type) func() {
	ch := make(chan struct{})
	cl.mu.Lock()
	cl.gates[typ] = ch
	cl.mu.Unlock()
	return func() { close(ch) }
}

func (cl *testCluster) deliver(ctx context.Context, from, to message.WorkerID, msg *message.Message) (*message.Message, error) {
	cl.mu.Lock()
	cl.sent = append(cl.sent, msg.Type)
	down := cl.down[to]
	gate := cl.gates[msg.Type]
	cl.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if down {
		return nil, errors.New("peer unreachable")
	}

	c := cl.contexts[to]
	var err error
	switch msg.Type {
	case message.TypeUserAccept:
		var ref ForkRef
		if err = message.DecodePayload(msg, &ref); err == nil {
			err = c.FinishUserRRef(from, ref.RRefID, ref.ForkID)
		}
	case message.TypeUserDelete:
		var ref ForkRef
		if err = message.DecodePayload(msg, &ref); err == nil {
			err = c.DelForkOfOwner(ref.RRefID, ref.ForkID)
		}
	case message.TypeForkAccept:
		var ref ForkRef
		if err = message.DecodePayload(msg, &ref); err == nil {
			err = c.FinishForkRequest(ref.RRefID, ref.ForkID)
		}
	case message.TypeForkNotify:
		var n ForkNotify
		if err = message.DecodePayload(msg, &n); err == nil {
			if n.Owner == to {
				err = c.AcceptForkRequest(n.RRefID, n.ForkID, n.Dst)
			} else {
				err = c.ReceiveForkGrant(n.Owner, n.RRefID, n.ForkID)
			}
		}
	default:
		err = errors.New("unexpected message " + msg.Type.String())
	}
	if err != nil {
		return message.NewException(msg, err), nil
	}
	return message.NewAck(msg), nil
}

func (cl *testCluster) count(typ message.Type) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	n := 0
	for _, sent := range cl.sent {
		if sent == typ {
			n++
		}
	}
	return n
}

// settle waits for every chain of protocol messages to finish.
func (cl *testCluster) settle() {
	for i := 0; i < 4; i++ {
		for _, c := range cl.contexts {
			c.Wait()
		}
	}
}

// remoteCreate plays the part of a remote call from user to owner.
func (cl *testCluster) remoteCreate(t *testing.T, user, owner message.WorkerID, value interface{}) *UserRRef {
	u := cl.ctx(user)
	rrefID, forkID := u.NewID(), u.NewID()
	held, err := u.CreateUserRRef(owner, rrefID, forkID)
	require.NoError(t, err)

	o, err := cl.ctx(owner).GetOrCreateOwner(rrefID)
	require.NoError(t, err)
	require.NoError(t, cl.ctx(owner).AcceptUserRRef(rrefID, forkID, rrefID.CreatedOn))
	require.NoError(t, o.SetValue(value))
	cl.settle()
	return held
}

func TestGetOrCreateOwnerIdempotent(t *testing.T) {
	c := NewContext(1, nil, DefaultOptions())
	id := c.NewID()

	const callers = 32
	owners := make([]*OwnerRRef, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := c.GetOrCreateOwner(id)
			assert.NoError(t, err)
			owners[i] = o
		}(i)
	}
	wg.Wait()

	for _, o := range owners {
		assert.Same(t, owners[0], o)
	}
	assert.Equal(t, 1, c.Stats().Owners)
}

func TestRemoteCreateConfirmsUser(t *testing.T) {
	cl := newTestCluster(1, 2)

	held := cl.remoteCreate(t, 2, 1, 5)
	assert.True(t, held.IsConfirmed())
	require.NoError(t, held.WaitConfirmed(context.Background()))
	assert.Equal(t, 1, cl.count(message.TypeUserAccept))

	stats := cl.ctx(1).Stats()
	assert.Equal(t, 1, stats.Owners)
	assert.Equal(t, 1, stats.ConfirmedForks)

	require.NoError(t, cl.ctx(2).DelUserRRef(held))
	cl.settle()

	assert.Equal(t, 1, cl.count(message.TypeUserDelete))
	assert.Equal(t, 0, cl.ctx(1).Stats().Owners)
	assert.Equal(t, 0, cl.ctx(2).Stats().Users)

	_, err := cl.ctx(1).GetOrCreateOwner(held.RRefID())
	assert.ErrorIs(t, err, ErrStaleReference)

	// Releasing again sends nothing.
	require.NoError(t, cl.ctx(2).DelUserRRef(held))
	cl.settle()
	assert.Equal(t, 1, cl.count(message.TypeUserDelete))
}

func TestOwnForkIsNotTracked(t *testing.T) {
	c := NewContext(1, nil, DefaultOptions())
	id := c.NewID()

	require.NoError(t, c.AcceptUserRRef(id, id, 1))
	o, ok := c.GetOwner(id)
	require.True(t, ok)
	confirmed, pending := o.ForkCount()
	assert.Zero(t, confirmed)
	assert.Zero(t, pending)
}

func TestDeleteBeforeConfirmIsDeferred(t *testing.T) {
	cl := newTestCluster(1, 2)
	u := cl.ctx(2)

	rrefID, forkID := u.NewID(), u.NewID()
	held, err := u.CreateUserRRef(1, rrefID, forkID)
	require.NoError(t, err)

	require.NoError(t, u.DelUserRRef(held))
	cl.settle()
	assert.Zero(t, cl.count(message.TypeUserDelete))

	require.NoError(t, cl.ctx(1).AcceptUserRRef(rrefID, forkID, 2))
	cl.settle()

	assert.Equal(t, 1, cl.count(message.TypeUserDelete))
	assert.Equal(t, 0, cl.ctx(1).Stats().Owners)
}

func TestConfirmOfAbandonedForkDeletesIt(t *testing.T) {
	cl := newTestCluster(1, 2)
	u := cl.ctx(2)

	rrefID, forkID := u.NewID(), u.NewID()
	held, err := u.CreateUserRRef(1, rrefID, forkID)
	require.NoError(t, err)

	timeout := errors.New("call timed out")
	u.FailUserRRef(held, timeout)
	assert.ErrorIs(t, held.WaitConfirmed(context.Background()), timeout)
	assert.Equal(t, 0, u.Stats().Users)

	require.NoError(t, cl.ctx(1).AcceptUserRRef(rrefID, forkID, 2))
	cl.settle()

	assert.Equal(t, 1, cl.count(message.TypeUserDelete))
	assert.Equal(t, 0, cl.ctx(1).Stats().Owners)
	assert.False(t, held.IsConfirmed())
}

func TestConfirmOfFailedForkDeletesIt(t *testing.T) {
	cl := newTestCluster(1, 2)
	u := cl.ctx(2)

	rrefID, forkID := u.NewID(), u.NewID()
	held, err := u.CreateUserRRef(1, rrefID, forkID)
	require.NoError(t, err)

	// Failed but still registered, as a refused grant leaves it.
	held.fail(errors.New("refused"))
	require.NoError(t, u.FinishUserRRef(1, rrefID, forkID))
	cl.settle()

	assert.Equal(t, 1, cl.count(message.TypeUserDelete))
	assert.Equal(t, 0, u.Stats().Users)
}

func TestConfirmOfUnknownForkDeletesIt(t *testing.T) {
	cl := newTestCluster(1, 2)
	owner := cl.ctx(1)

	rrefID := ID{CreatedOn: 2, LocalID: 40}
	forkID := ID{CreatedOn: 2, LocalID: 41}
	require.NoError(t, owner.AcceptUserRRef(rrefID, forkID, 2))
	cl.settle()

	assert.Equal(t, 1, cl.count(message.TypeUserDelete))
	assert.Equal(t, 0, owner.Stats().Owners)

	_, err := owner.GetOrCreateOwner(rrefID)
	assert.ErrorIs(t, err, ErrStaleReference)
}

func TestDuplicateConfirmNamesTheRRef(t *testing.T) {
	cl := newTestCluster(1, 2)
	held := cl.remoteCreate(t, 2, 1, 3)

	err := cl.ctx(2).FinishUserRRef(1, held.RRefID(), held.ForkID())
	assert.ErrorIs(t, err, ErrDuplicateFork)

	var rerr *RRefError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, held.RRefID(), rerr.RRefID)
	assert.Equal(t, held.ForkID(), rerr.ForkID)
	assert.Zero(t, cl.count(message.TypeUserDelete))
}

func TestForkThroughOwner(t *testing.T) {
	// 1 owns, 3 holds a fork and hands a new one to 2.
	cl := newTestCluster(1, 2, 3)
	held := cl.remoteCreate(t, 3, 1, "value")

	desc, err := cl.ctx(3).Fork(context.Background(), held, 2)
	require.NoError(t, err)
	cl.settle()

	assert.Equal(t, message.WorkerID(1), desc.Owner)
	assert.Equal(t, held.RRefID(), desc.RRefID)
	assert.Equal(t, message.WorkerID(3), desc.ForkID.CreatedOn)

	// notify from 3 to 1, grant from 1 to 2
	assert.Equal(t, 2, cl.count(message.TypeForkNotify))
	assert.Equal(t, 1, cl.count(message.TypeForkAccept))

	received, ok := cl.ctx(2).GetUserRRef(desc.ForkID)
	require.True(t, ok)
	assert.True(t, received.IsConfirmed())
	assert.Equal(t, received, cl.ctx(2).GetOrCreateUserRRef(desc.Owner, desc.RRefID, desc.ForkID))

	stats := cl.ctx(1).Stats()
	assert.Equal(t, 2, stats.ConfirmedForks)
	assert.Equal(t, 0, stats.PendingForks)

	require.NoError(t, cl.ctx(3).DelUserRRef(held))
	cl.settle()
	assert.Equal(t, 1, cl.ctx(1).Stats().Owners)

	require.NoError(t, cl.ctx(2).DelUserRRef(received))
	cl.settle()
	assert.Equal(t, 0, cl.ctx(1).Stats().Owners)
}

func TestGrantedForkUnusableUntilAccepted(t *testing.T) {
	cl := newTestCluster(1, 2, 3)
	held := cl.remoteCreate(t, 3, 1, 42)

	release := cl.gate(message.TypeForkAccept)
	desc, err := cl.ctx(3).Fork(context.Background(), held, 2)
	require.NoError(t, err)

	// the grant reached 2 but its accept is held back
	cl.ctx(1).Wait()
	received, ok := cl.ctx(2).GetUserRRef(desc.ForkID)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, received.WaitConfirmed(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, cl.ctx(1).Stats().PendingForks)

	release()
	require.NoError(t, received.WaitConfirmed(context.Background()))
	cl.settle()
	assert.Equal(t, 0, cl.ctx(1).Stats().PendingForks)
	assert.Equal(t, 2, cl.ctx(1).Stats().ConfirmedForks)
}

func TestDeleteWaitsForForkAway(t *testing.T) {
	cl := newTestCluster(1, 2, 3)
	held := cl.remoteCreate(t, 3, 1, 1)

	release := cl.gate(message.TypeForkNotify)
	done := make(chan error, 1)
	go func() {
		_, err := cl.ctx(3).Fork(context.Background(), held, 2)
		done <- err
	}()

	require.Eventually(t, func() bool { return cl.ctx(3).Stats().ForksInFlight == 1 }, time.Second, time.Millisecond)
	require.NoError(t, cl.ctx(3).DelUserRRef(held))
	assert.Zero(t, cl.count(message.TypeUserDelete))

	release()
	require.NoError(t, <-done)
	cl.settle()

	assert.Equal(t, 1, cl.count(message.TypeUserDelete))
	stats := cl.ctx(1).Stats()
	assert.Equal(t, 1, stats.Owners)
	assert.Equal(t, 1, stats.ConfirmedForks)
}

func TestFailedGrantDropsPendingFork(t *testing.T) {
	cl := newTestCluster(1, 2)
	owner := cl.ctx(1)

	o, err := owner.AddOwnerRef(owner.NewID())
	require.NoError(t, err)

	cl.mu.Lock()
	cl.down[2] = true
	cl.mu.Unlock()

	_, err = owner.ForkOwner(o.ID(), 2)
	require.NoError(t, err)
	cl.settle()

	confirmed, pending := o.ForkCount()
	assert.Zero(t, confirmed)
	assert.Zero(t, pending)

	require.NoError(t, owner.ReleaseOwnerRef(o.ID()))
	assert.True(t, o.Released())
}

func TestOwnerLocalReferenceKeepsValue(t *testing.T) {
	cl := newTestCluster(1, 2)
	owner := cl.ctx(1)

	o, err := owner.AddOwnerRef(owner.NewID())
	require.NoError(t, err)
	require.NoError(t, o.SetValue("kept"))

	desc, err := owner.ForkOwner(o.ID(), 2)
	require.NoError(t, err)
	cl.settle()

	received, ok := cl.ctx(2).GetUserRRef(desc.ForkID)
	require.True(t, ok)
	require.True(t, received.IsConfirmed())

	require.NoError(t, cl.ctx(2).DelUserRRef(received))
	cl.settle()
	assert.False(t, o.Released())

	v, err := o.GetValue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kept", v)

	require.NoError(t, owner.ReleaseOwnerRef(o.ID()))
	assert.True(t, o.Released())
	assert.ErrorIs(t, owner.ReleaseOwnerRef(o.ID()), ErrStaleReference)
}

func TestForkToOwnerConfirmsDirectly(t *testing.T) {
	cl := newTestCluster(1, 2)
	held := cl.remoteCreate(t, 2, 1, 7)

	desc, err := cl.ctx(2).Fork(context.Background(), held, 1)
	require.NoError(t, err)
	cl.settle()

	adopted, err := cl.ctx(1).AdoptOwnerFork(desc)
	require.NoError(t, err)
	assert.True(t, adopted.IsConfirmed())
	assert.Equal(t, 2, cl.ctx(1).Stats().ConfirmedForks)

	_, err = cl.ctx(1).AdoptOwnerFork(Descriptor{Owner: 1, RRefID: desc.RRefID, ForkID: ID{CreatedOn: 9, LocalID: 9}})
	assert.ErrorIs(t, err, ErrUnknownFork)
}

func TestDeleteProtocolErrors(t *testing.T) {
	cl := newTestCluster(1, 2)
	owner := cl.ctx(1)
	held := cl.remoteCreate(t, 2, 1, 0)

	stranger := ID{CreatedOn: 5, LocalID: 5}
	err := owner.DelForkOfOwner(held.RRefID(), stranger)
	assert.ErrorIs(t, err, ErrUnknownFork)

	var rerr *RRefError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "del_fork_of_owner", rerr.Op)

	assert.Equal(t, 1, owner.Stats().ConfirmedForks)

	err = owner.DelForkOfOwner(ID{CreatedOn: 2, LocalID: 99}, stranger)
	assert.ErrorIs(t, err, ErrUnknownRRef)

	require.NoError(t, owner.DelForkOfOwner(held.RRefID(), held.ForkID()))
	err = owner.DelForkOfOwner(held.RRefID(), held.ForkID())
	assert.ErrorIs(t, err, ErrStaleReference)

	err = owner.AcceptUserRRef(held.RRefID(), stranger, 2)
	assert.ErrorIs(t, err, ErrStaleReference)
}

func TestReleaseAll(t *testing.T) {
	cl := newTestCluster(1, 2)
	cl.remoteCreate(t, 2, 1, "a")
	cl.remoteCreate(t, 2, 1, "b")
	assert.Equal(t, 2, cl.ctx(1).Stats().Owners)

	cl.ctx(2).ReleaseAll()
	cl.settle()

	assert.Equal(t, 0, cl.ctx(2).Stats().Users)
	assert.Equal(t, 0, cl.ctx(1).Stats().Owners)
}

func TestClosedRegistryDropsProtocolMessages(t *testing.T) {
	cl := newTestCluster(1, 2)
	held := cl.remoteCreate(t, 2, 1, "a")

	cl.ctx(2).Close()
	require.NoError(t, cl.ctx(2).DelUserRRef(held))
	cl.settle()
	assert.Zero(t, cl.count(message.TypeUserDelete))
}

// forkModel tracks what the owner should hold for one RRef.
type forkModel struct {
	id    RRefID
	state map[ForkID]string
	order []ForkID
	local int
}

func newForkModel(id RRefID) *forkModel {
	return &forkModel{id: id, state: make(map[ForkID]string), local: 1}
}

func (m *forkModel) count(state string) int {
	n := 0
	for _, s := range m.state {
		if s == state {
			n++
		}
	}
	return n
}

// pick returns a fork seen so far, or one the owner never heard of.
func (m *forkModel) pick(r *rand.Rand) ForkID {
	if len(m.order) == 0 || r.Intn(8) == 0 {
		return ID{CreatedOn: 9, LocalID: uint64(r.Intn(1000)) + 1}
	}
	return m.order[r.Intn(len(m.order))]
}

func (m *forkModel) add(forkID ForkID, state string) {
	m.state[forkID] = state
	m.order = append(m.order, forkID)
}

func TestForkCountInvariantUnderRandomSequences(t *testing.T) {
	acked := RequesterFunc(func(ctx context.Context, to message.WorkerID, msg *message.Message) (*message.Message, error) {
		return message.NewAck(msg), nil
	})

	for seed := int64(1); seed <= 20; seed++ {
		r := rand.New(rand.NewSource(seed))
		c := NewContext(1, acked, DefaultOptions())

		o, err := c.AddOwnerRef(c.NewID())
		require.NoError(t, err)
		m := newForkModel(o.ID())

		for step := 0; step < 300; step++ {
			var err error
			var want error
			switch op := r.Intn(6); op {
			case 0:
				forkID := c.NewID()
				err = c.AcceptUserRRef(m.id, forkID, 2)
				m.add(forkID, "confirmed")

			case 1:
				forkID := c.NewID()
				err = c.AcceptForkRequest(m.id, forkID, 3)
				m.add(forkID, "pending")

			case 2:
				forkID := m.pick(r)
				err = c.FinishForkRequest(m.id, forkID)
				if m.state[forkID] == "pending" {
					m.state[forkID] = "confirmed"
				} else {
					want = ErrUnknownFork
				}

			case 3, 4:
				// Deletes of forks that are pending, already gone or
				// never existed all fail without touching the count.
				forkID := m.pick(r)
				err = c.DelForkOfOwner(m.id, forkID)
				if m.state[forkID] == "confirmed" {
					m.state[forkID] = "deleted"
				} else {
					want = ErrUnknownFork
				}

			case 5:
				if len(m.order) > 0 {
					forkID := m.order[r.Intn(len(m.order))]
					err = c.AcceptUserRRef(m.id, forkID, 2)
					want = ErrDuplicateFork
					if m.state[forkID] == "deleted" {
						want = nil
						m.state[forkID] = "confirmed"
					}
				}
			}

			if want != nil {
				require.ErrorIs(t, err, want, "seed %d step %d", seed, step)
			} else {
				require.NoError(t, err, "seed %d step %d", seed, step)
			}

			confirmed, pending := o.ForkCount()
			require.GreaterOrEqual(t, confirmed, 0)
			require.GreaterOrEqual(t, pending, 0)
			assert.Equal(t, m.count("confirmed"), confirmed, "seed %d step %d", seed, step)
			assert.Equal(t, m.count("pending"), pending, "seed %d step %d", seed, step)
			if confirmed+pending+o.LocalRefs() > 0 {
				require.False(t, o.Released(), "seed %d step %d", seed, step)
			}

			// Drop the local handle once forks keep the value alive, and
			// start over on a fresh RRef after a release.
			if m.local == 1 && confirmed > 0 && r.Intn(4) == 0 {
				require.NoError(t, c.ReleaseOwnerRef(m.id))
				m.local = 0
			}
			if o.Released() {
				require.Zero(t, confirmed+pending)
				_, err := c.GetOrCreateOwner(m.id)
				require.ErrorIs(t, err, ErrStaleReference)

				o, err = c.AddOwnerRef(c.NewID())
				require.NoError(t, err)
				m = newForkModel(o.ID())
			}
		}

		// Drain whatever is left; only the last delete releases.
		for _, forkID := range m.order {
			if m.state[forkID] == "pending" {
				require.NoError(t, c.FinishForkRequest(m.id, forkID))
				m.state[forkID] = "confirmed"
			}
		}
		if m.local == 1 {
			require.NoError(t, c.ReleaseOwnerRef(m.id))
		}
		for _, forkID := range m.order {
			if m.state[forkID] != "confirmed" {
				continue
			}
			require.False(t, o.Released())
			require.NoError(t, c.DelForkOfOwner(m.id, forkID))
			m.state[forkID] = "deleted"
		}
		assert.True(t, o.Released() || len(m.order) == 0, "seed %d", seed)
		c.Wait()
	}
}
