package rref

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestOwnerRRefSetValueOnce(t *testing.T) {
	o := newOwnerRRef(ID{CreatedOn: 1, LocalID: 1})

	require.NoError(t, o.SetValue(5))
	err := o.SetValue(6)
	require.ErrorIs(t, err, ErrAlreadySet)

	v, err := o.GetValue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	assert.ErrorIs(t, o.SetError(errors.New("late")), ErrAlreadySet)
	assert.ErrorIs(t, o.SetOpaqueValue([]byte("x")), ErrAlreadySet)
	assert.False(t, o.IsOpaque())
}

func TestOwnerRRefFetchSuspends(t *testing.T) {
	o := newOwnerRRef(ID{CreatedOn: 1, LocalID: 2})

	_, ok, _ := o.TryValue()
	assert.False(t, ok)

	const fetchers = 16
	started := make(chan struct{}, fetchers)
	results := make([]interface{}, fetchers)

	var g errgroup.Group
	for i := 0; i < fetchers; i++ {
		i := i
		g.Go(func() error {
			started <- struct{}{}
			v, err := o.GetValue(context.Background())
			results[i] = v
			return err
		})
	}
	for i := 0; i < fetchers; i++ {
		<-started
	}

	select {
	case <-o.Done():
		t.Fatal("owner completed before the value was set")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, o.SetValue("payload"))
	require.NoError(t, g.Wait())
	for _, v := range results {
		assert.Equal(t, "payload", v)
	}

	v, ok, err := o.TryValue()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "payload", v)
}

func TestOwnerRRefFetchCancelled(t *testing.T) {
	o := newOwnerRRef(ID{CreatedOn: 1, LocalID: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := o.GetValue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOwnerRRefSetError(t *testing.T) {
	o := newOwnerRRef(ID{CreatedOn: 1, LocalID: 4})
	boom := errors.New("boom")

	require.NoError(t, o.SetError(boom))
	_, err := o.GetValue(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestOwnerRRefReleaseWakesWaiters(t *testing.T) {
	o := newOwnerRRef(ID{CreatedOn: 1, LocalID: 5})

	var wg sync.WaitGroup
	var fetchErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, fetchErr = o.GetValue(context.Background())
	}()

	require.True(t, o.tryRelease())
	wg.Wait()
	assert.ErrorIs(t, fetchErr, ErrStaleReference)
	assert.ErrorIs(t, o.SetValue(1), ErrStaleReference)
}

func TestOwnerRRefForkBookkeeping(t *testing.T) {
	o := newOwnerRRef(ID{CreatedOn: 1, LocalID: 6})
	f1 := ID{CreatedOn: 2, LocalID: 1}
	f2 := ID{CreatedOn: 3, LocalID: 1}

	require.NoError(t, o.addConfirmed(f1))
	assert.ErrorIs(t, o.addConfirmed(f1), ErrDuplicateFork)
	require.NoError(t, o.addPending(f2, 3))
	assert.ErrorIs(t, o.addConfirmed(f2), ErrDuplicateFork)

	assert.False(t, o.tryRelease())

	assert.ErrorIs(t, o.promote(ID{CreatedOn: 9, LocalID: 9}), ErrUnknownFork)
	require.NoError(t, o.promote(f2))

	confirmed, pending := o.ForkCount()
	assert.Equal(t, 2, confirmed)
	assert.Equal(t, 0, pending)

	require.NoError(t, o.removeConfirmed(f1))
	assert.ErrorIs(t, o.removeConfirmed(f1), ErrUnknownFork)
	require.NoError(t, o.removeConfirmed(f2))

	confirmed, _ = o.ForkCount()
	assert.Equal(t, 0, confirmed)
	assert.True(t, o.tryRelease())
	assert.True(t, o.Released())
}

func TestIDGenerator(t *testing.T) {
	g := NewIDGenerator(7)

	seen := make(map[ID]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := g.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 800)
	for id := range seen {
		assert.Equal(t, uint64(7), uint64(id.CreatedOn))
		assert.False(t, id.IsZero())
	}
	assert.Equal(t, "(7:801)", g.Next().String())
}
