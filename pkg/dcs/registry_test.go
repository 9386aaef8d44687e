package dcs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/crypto"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testKey(seed byte) crypto.AuthKey {
	var k crypto.Key
	for i := range k {
		k[i] = seed ^ byte(i)
	}
	return k.WithID()
}

func TestShiftedDC(t *testing.T) {
	a := require.New(t)
	s := Shift(4, LogoutShift)
	a.Equal(ShiftedDC(20004), s)
	a.Equal(4, s.Bare())
	a.Equal(LogoutShift, s.Shift())
	a.Equal("4+2", s.String())
	a.Equal("4", Shift(4, 0).String())
	a.NotEqual(Shift(1, ConfigShift), Shift(1, DestroyKeyShift))
}

func TestRegistry_SetKey(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	storage := &StorageMemory{}
	r := NewRegistry(Options{Storage: storage})

	var events []KeyEvent
	unsubscribe := r.Subscribe(func(ev KeyEvent) { events = append(events, ev) })

	key := testKey(1)
	a.NoError(r.SetKey(ctx, 2, key))
	r.SetConnectionInited(2, true)
	a.True(r.ConnectionInited(2))

	got, ok := r.Key(2)
	a.True(ok)
	a.Equal(key, got)
	a.Equal(1, storage.Saves())

	// Same key is not a change.
	a.NoError(r.SetKey(ctx, 2, key))
	a.True(r.ConnectionInited(2))
	a.Len(events, 1)

	a.NoError(r.SetKey(ctx, 2, testKey(2)))
	a.False(r.ConnectionInited(2))
	a.Len(events, 2)

	a.NoError(r.DestroyKey(ctx, 2))
	_, ok = r.Key(2)
	a.False(ok)
	a.True(events[2].Destroyed)

	unsubscribe()
	a.NoError(r.SetKey(ctx, 2, key))
	a.Len(events, 3)

	state, err := storage.LoadKeys(ctx)
	a.NoError(err)
	a.Equal(DefaultMainDC, state.MainDC)
	a.Equal([]Entry{{ID: 2, Key: key}}, state.Entries)
}

func TestRegistry_ConnectionInitedWithoutKey(t *testing.T) {
	r := NewRegistry(Options{})
	r.SetConnectionInited(3, true)
	require.False(t, r.ConnectionInited(3))
}

func TestRegistry_SetMainDC(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r := NewRegistry(Options{MainDC: 1})
	a.Equal(1, r.MainDC())

	a.NoError(r.SetMainDC(ctx, 4, true))
	a.Equal(4, r.MainDC())

	// Already chosen in this process.
	a.NoError(r.SetMainDC(ctx, 5, true))
	a.Equal(4, r.MainDC())

	a.NoError(r.SetMainDC(ctx, 5, false))
	a.Equal(5, r.MainDC())
}

func TestRegistry_LogoutOtherDCs(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r := NewRegistry(Options{MainDC: 2})
	a.NoError(r.SetKey(ctx, 1, testKey(1)))
	a.NoError(r.SetKey(ctx, 2, testKey(2)))
	a.NoError(r.SetKey(ctx, 4, testKey(4)))
	r.SetConnectionInited(5, false)

	var got []ShiftedDC
	r.LogoutOtherDCs(func(dc ShiftedDC) { got = append(got, dc) })
	a.Equal([]ShiftedDC{Shift(1, LogoutShift), Shift(4, LogoutShift)}, got)
}

func TestRegistry_Load(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	storage := &StorageMemory{}
	key := testKey(9)
	a.NoError(storage.StoreKeys(ctx, State{
		MainDC:  4,
		Entries: []Entry{{ID: 4, Key: key, ConnectionInited: true}},
	}))

	r := NewRegistry(Options{Storage: storage})
	a.NoError(r.Load(ctx))
	a.Equal(4, r.MainDC())
	a.True(r.ConnectionInited(4))

	got, err := r.WaitKey(ctx, 4)
	a.NoError(err)
	a.Equal(key, got)
}

func TestRegistry_WaitKey(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r := NewRegistry(Options{})
	key := testKey(3)

	result := make(chan crypto.AuthKey, 1)
	go func() {
		k, err := r.WaitKey(ctx, 3)
		if err == nil {
			result <- k
		}
	}()

	a.NoError(r.SetKey(ctx, 3, key))
	select {
	case got := <-result:
		a.Equal(key, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}

	a.NoError(r.DestroyKey(ctx, 3))
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := r.WaitKey(waitCtx, 3)
	a.ErrorIs(err, context.DeadlineExceeded)
}

func TestRegistry_LoadWakesWaiters(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	storage := &StorageMemory{}
	key := testKey(7)
	a.NoError(storage.StoreKeys(ctx, State{Entries: []Entry{{ID: 3, Key: key}}}))

	r := NewRegistry(Options{Storage: storage})
	got := make(chan crypto.AuthKey, 1)
	go func() {
		k, err := r.WaitKey(ctx, 3)
		if err == nil {
			got <- k
		}
	}()
	a.Eventually(func() bool {
		_, ok := r.Key(3)
		return !ok && len(r.Entries()) == 1
	}, time.Second, time.Millisecond)

	a.NoError(r.Load(ctx))
	select {
	case k := <-got:
		a.Equal(key, k)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

// blockingStorage holds the first save until release is closed.
type blockingStorage struct {
	StorageMemory
	entered chan struct{}
	release chan struct{}
	first   sync.Once
}

func (s *blockingStorage) StoreKeys(ctx context.Context, state State) error {
	s.first.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.StorageMemory.StoreKeys(ctx, state)
}

func TestRegistry_PersistOrder(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	storage := &blockingStorage{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := NewRegistry(Options{Storage: storage})

	var g errgroup.Group
	g.Go(func() error { return r.SetKey(ctx, 1, testKey(1)) })
	<-storage.entered
	g.Go(func() error { return r.SetKey(ctx, 2, testKey(2)) })

	// The second save waits for the stale snapshot to land first.
	a.Never(func() bool { return storage.Saves() > 0 }, 50*time.Millisecond, time.Millisecond)
	close(storage.release)
	a.NoError(g.Wait())

	a.Equal(2, storage.Saves())
	state, err := storage.LoadKeys(ctx)
	a.NoError(err)
	a.Equal(r.Entries(), state.Entries)
}
