// Package dcs holds authorization keys and connection state per DC.
package dcs

import (
	"context"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/crypto"
	"go.mau.fi/util/exsync"
	"go.uber.org/zap"
)

// DefaultMainDC is used when no main DC is configured or stored.
const DefaultMainDC = 2

// KeyEvent is sent to subscribers when key of a DC changes.
type KeyEvent struct {
	DC        int
	Key       crypto.AuthKey
	Destroyed bool
}

// Options of Registry.
type Options struct {
	Logger  *zap.Logger
	Storage Storage
	MainDC  int
}

func (cfg *Options) setDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MainDC == 0 {
		cfg.MainDC = DefaultMainDC
	}
}

type entry struct {
	mux    sync.RWMutex
	id     int
	key    crypto.AuthKey
	inited bool
	ready  *exsync.Event
}

func newEntry(id int) *entry {
	return &entry{id: id, ready: exsync.NewEvent()}
}

func (e *entry) snapshot() Entry {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return Entry{ID: e.id, Key: e.key, ConnectionInited: e.inited}
}

// Registry holds per-DC auth keys, the main DC and connection init flags.
type Registry struct {
	mux        sync.RWMutex
	entries    map[int]*entry
	main       int
	mainChosen bool

	subsMux sync.Mutex
	subs    map[int]func(KeyEvent)
	nextSub int

	// Held across snapshot and store so saves land in order.
	persistMux sync.Mutex
	storage    Storage
	log        *zap.Logger
}

// NewRegistry creates new Registry.
func NewRegistry(opt Options) *Registry {
	opt.setDefaults()
	return &Registry{
		entries: map[int]*entry{},
		main:    opt.MainDC,
		subs:    map[int]func(KeyEvent){},
		storage: opt.Storage,
		log:     opt.Logger,
	}
}

func (r *Registry) get(dc int) *entry {
	r.mux.RLock()
	e, ok := r.entries[dc]
	r.mux.RUnlock()
	if ok {
		return e
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	if e, ok := r.entries[dc]; ok {
		return e
	}
	e = newEntry(dc)
	r.entries[dc] = e
	return e
}

// Load replaces registry state with the stored one.
func (r *Registry) Load(ctx context.Context) error {
	if r.storage == nil {
		return nil
	}
	state, err := r.storage.LoadKeys(ctx)
	if err != nil {
		return errors.Wrap(err, "load keys")
	}

	r.mux.Lock()
	if state.MainDC != 0 {
		r.main = state.MainDC
	}
	entries := make([]*entry, 0, len(state.Entries))
	for _, se := range state.Entries {
		e, ok := r.entries[se.ID]
		if !ok {
			e = newEntry(se.ID)
			r.entries[se.ID] = e
		}
		entries = append(entries, e)
	}
	r.mux.Unlock()

	// Entries are updated in place so that WaitKey callers see loaded keys.
	for i, se := range state.Entries {
		e := entries[i]
		e.mux.Lock()
		e.key = se.Key
		e.inited = se.ConnectionInited && se.HasKey()
		if se.HasKey() {
			e.ready.Set()
		}
		e.mux.Unlock()
	}

	r.log.Debug("Loaded keys",
		zap.Int("main_dc", r.MainDC()),
		zap.Int("count", len(state.Entries)),
	)
	return nil
}

// Key returns auth key of DC.
func (r *Registry) Key(dc int) (crypto.AuthKey, bool) {
	s := r.get(dc).snapshot()
	return s.Key, s.HasKey()
}

// WaitKey blocks until DC has an auth key.
func (r *Registry) WaitKey(ctx context.Context, dc int) (crypto.AuthKey, error) {
	e := r.get(dc)
	for {
		if s := e.snapshot(); s.HasKey() {
			return s.Key, nil
		}
		if err := e.ready.Wait(ctx); err != nil {
			return crypto.AuthKey{}, err
		}
	}
}

// SetKey replaces auth key of DC, clears its connection init flag,
// notifies subscribers and persists the key set.
func (r *Registry) SetKey(ctx context.Context, dc int, key crypto.AuthKey) error {
	e := r.get(dc)
	e.mux.Lock()
	if e.key == key {
		e.mux.Unlock()
		return nil
	}
	e.key = key
	e.inited = false
	destroyed := key == (crypto.AuthKey{})
	if destroyed {
		e.ready.Clear()
	} else {
		e.ready.Set()
	}
	e.mux.Unlock()

	r.log.Info("Auth key changed", zap.Int("dc", dc), zap.Bool("destroyed", destroyed))
	r.notify(KeyEvent{DC: dc, Key: key, Destroyed: destroyed})
	return r.persist(ctx)
}

// DestroyKey removes auth key of DC.
func (r *Registry) DestroyKey(ctx context.Context, dc int) error {
	return r.SetKey(ctx, dc, crypto.AuthKey{})
}

// ConnectionInited reports whether initConnection was done with current key.
func (r *Registry) ConnectionInited(dc int) bool {
	return r.get(dc).snapshot().ConnectionInited
}

// SetConnectionInited sets connection init flag. Ignored when DC has no key.
func (r *Registry) SetConnectionInited(dc int, v bool) {
	e := r.get(dc)
	e.mux.Lock()
	defer e.mux.Unlock()
	e.inited = v && e.key != (crypto.AuthKey{})
}

// MainDC returns id of the home DC.
func (r *Registry) MainDC() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.main
}

// SetMainDC sets home DC. With firstOnly, it has effect only if main DC was
// not chosen yet in this process.
func (r *Registry) SetMainDC(ctx context.Context, dc int, firstOnly bool) error {
	r.mux.Lock()
	if firstOnly && r.mainChosen {
		r.mux.Unlock()
		return nil
	}
	r.mainChosen = true
	changed := r.main != dc
	r.main = dc
	r.mux.Unlock()

	if !changed {
		return nil
	}
	r.log.Info("Main DC changed", zap.Int("dc", dc))
	return r.persist(ctx)
}

// Entries returns snapshot of all known DCs sorted by id.
func (r *Registry) Entries() []Entry {
	r.mux.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mux.RUnlock()

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	slices.SortFunc(out, func(a, b Entry) int { return a.ID - b.ID })
	return out
}

// LogoutOtherDCs calls f for every DC with a key except the main one.
// f gets the logout-shifted DC id.
func (r *Registry) LogoutOtherDCs(f func(dc ShiftedDC)) {
	main := r.MainDC()
	for _, e := range r.Entries() {
		if e.ID == main || !e.HasKey() {
			continue
		}
		f(Shift(e.ID, LogoutShift))
	}
}

// Subscribe adds key change callback. Returned function unsubscribes.
func (r *Registry) Subscribe(f func(KeyEvent)) (unsubscribe func()) {
	r.subsMux.Lock()
	defer r.subsMux.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = f
	return func() {
		r.subsMux.Lock()
		defer r.subsMux.Unlock()
		delete(r.subs, id)
	}
}

func (r *Registry) notify(ev KeyEvent) {
	r.subsMux.Lock()
	subs := make([]func(KeyEvent), 0, len(r.subs))
	for _, f := range r.subs {
		subs = append(subs, f)
	}
	r.subsMux.Unlock()

	for _, f := range subs {
		f(ev)
	}
}

func (r *Registry) persist(ctx context.Context) error {
	if r.storage == nil {
		return nil
	}
	r.persistMux.Lock()
	defer r.persistMux.Unlock()

	state := State{MainDC: r.MainDC()}
	for _, e := range r.Entries() {
		if e.HasKey() {
			state.Entries = append(state.Entries, e)
		}
	}
	if err := r.storage.StoreKeys(ctx, state); err != nil {
		return errors.Wrap(err, "store keys")
	}
	return nil
}
