package dcs

import (
	"context"
	"slices"
	"sync"

	"github.com/gotd/td/crypto"
)

// Entry is a persisted or in-memory state of one DC.
type Entry struct {
	ID               int
	Key              crypto.AuthKey
	ConnectionInited bool
}

// HasKey reports whether entry has an auth key.
func (e Entry) HasKey() bool {
	return e.Key != (crypto.AuthKey{})
}

// State is the whole persisted key set.
type State struct {
	MainDC  int
	Entries []Entry
}

// Storage persists key set.
type Storage interface {
	LoadKeys(ctx context.Context) (State, error)
	StoreKeys(ctx context.Context, s State) error
}

// StorageMemory is an in-memory Storage.
type StorageMemory struct {
	mux   sync.Mutex
	state State
	saves int
}

var _ Storage = (*StorageMemory)(nil)

// LoadKeys implements Storage.
func (s *StorageMemory) LoadKeys(context.Context) (State, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	return State{MainDC: s.state.MainDC, Entries: slices.Clone(s.state.Entries)}, nil
}

// StoreKeys implements Storage.
func (s *StorageMemory) StoreKeys(_ context.Context, state State) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.state = State{MainDC: state.MainDC, Entries: slices.Clone(state.Entries)}
	s.saves++
	return nil
}

// Saves returns count of StoreKeys calls.
func (s *StorageMemory) Saves() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.saves
}
