package rpc

import (
	"sync"

	"github.com/gotd/td/bin"

	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
)

// Sender is embedded by objects that issue requests with owned handlers.
//
// Handlers bound with OwnedDone and OwnedFail hold a weak handle to the
// Sender. After Invalidate returns, none of them is started.
//
// Invalidate blocks while a handler of this sender is running, so it must not
// be called from such handler.
type Sender struct {
	mux  sync.RWMutex
	dead bool

	idsMux sync.Mutex
	ids    map[session.RequestID]*Dispatcher
}

// owned is implemented by handlers bound to Sender.
type owned interface {
	owner() *Sender
}

// Invalidate unregisters every handler bound to the sender.
func (s *Sender) Invalidate() {
	s.mux.Lock()
	s.dead = true
	s.mux.Unlock()

	s.idsMux.Lock()
	ids := s.ids
	s.ids = nil
	s.idsMux.Unlock()

	for id, d := range ids {
		d.Forget(id)
	}
}

// Alive reports whether Invalidate was not called yet.
func (s *Sender) Alive() bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return !s.dead
}

// run calls f if sender is alive. Returns false if it was not called.
func (s *Sender) run(f func()) bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.dead {
		return false
	}
	f()
	return true
}

func (s *Sender) track(id session.RequestID, d *Dispatcher) {
	s.idsMux.Lock()
	defer s.idsMux.Unlock()
	if s.ids == nil {
		s.ids = make(map[session.RequestID]*Dispatcher)
	}
	s.ids[id] = d
}

func (s *Sender) untrack(id session.RequestID) {
	s.idsMux.Lock()
	defer s.idsMux.Unlock()
	delete(s.ids, id)
}

// Pending returns count of requests with handlers bound to sender.
func (s *Sender) Pending() int {
	s.idsMux.Lock()
	defer s.idsMux.Unlock()
	return len(s.ids)
}

type ownedDone struct {
	s *Sender
	DoneHandler
}

func (h ownedDone) owner() *Sender { return h.s }

type ownedFail struct {
	s *Sender
	FailHandler
}

func (h ownedFail) owner() *Sender { return h.s }

// OwnedDone binds Done handler to s.
func OwnedDone[T any, PT interface {
	*T
	bin.Decoder
}](s *Sender, f func(v *T)) DoneHandler {
	return ownedDone{s: s, DoneHandler: Done[T, PT](f)}
}

// OwnedDoneRaw binds DoneRaw handler to s.
func OwnedDoneRaw(s *Sender, f func(b *bin.Buffer) error) DoneHandler {
	return ownedDone{s: s, DoneHandler: DoneRaw(f)}
}

// OwnedFail binds Fail handler to s.
func OwnedFail(s *Sender, f func(err *rpcerr.Error) bool) FailHandler {
	return ownedFail{s: s, FailHandler: Fail(f)}
}
