// Package session contains per-connection session state: auth key, session
// id, salt, sequence counter and request/response tables.
package session

import (
	"io"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/crypto"

	"go.mau.fi/mtcore/pkg/wire"
)

// FakeRequestFloor is the first id of internal request id space.
const FakeRequestFloor = -2000000000

// Data is the shared state of one session.
//
// Every table has its own lock. Code that updates several tables at once
// must nest them in this order:
//
//	ToSend, HaveSent, ToResend, ReceivedIDs, WereAcked, Acked, HaveReceived, StateRequest
type Data struct {
	rand io.Reader

	mux         sync.RWMutex
	key         crypto.AuthKey
	hasKey      bool
	sessionID   int64
	salt        int64
	counter     int32
	layerInited bool
	fakeID      int64

	// ToSend holds prepared requests not yet on the wire.
	ToSend Table[RequestID, *Request]
	// HaveSent holds transmitted requests waiting for an answer, by msg id.
	HaveSent Table[int64, *Request]
	// ToResend maps msg ids scheduled for retransmission to request ids.
	ToResend Table[int64, RequestID]
	// ReceivedIDs is the recent incoming msg id window.
	ReceivedIDs ReceivedIDs
	// WereAcked maps msg ids acknowledged by server to request ids.
	WereAcked Table[int64, RequestID]
	// Acked keeps bodies of acknowledged requests so they can be resent.
	Acked Table[RequestID, *Request]
	// HaveReceived holds responses waiting for dispatch.
	HaveReceived Table[RequestID, Response]
	// StateRequest holds msg ids queued for msgs_state_req.
	StateRequest Table[int64, struct{}]
}

// NewData creates new session data with random session id and no key.
func NewData(random io.Reader) (*Data, error) {
	if random == nil {
		random = crypto.DefaultRand()
	}
	d := &Data{rand: random}
	if err := d.newSessionLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Data) newSessionLocked() error {
	for {
		id, err := crypto.RandInt64(d.rand)
		if err != nil {
			return errors.Wrap(err, "generate session id")
		}
		if id != 0 && id != d.sessionID {
			d.sessionID = id
			break
		}
	}
	d.counter = 0
	return nil
}

// SessionID returns current session id.
func (d *Data) SessionID() int64 {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.sessionID
}

// Salt returns current server salt.
func (d *Data) Salt() int64 {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.salt
}

// SetSalt sets server salt.
func (d *Data) SetSalt(salt int64) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.salt = salt
}

// Key returns current auth key and whether it is set.
func (d *Data) Key() (crypto.AuthKey, bool) {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.key, d.hasKey
}

// SetKey sets auth key. On change, session id is regenerated, sequence
// counter reset and layer marked as not initialized.
func (d *Data) SetKey(key crypto.AuthKey) (bool, error) {
	d.mux.Lock()
	if d.hasKey && d.key == key {
		d.mux.Unlock()
		return false, nil
	}
	d.key = key
	d.hasKey = key != (crypto.AuthKey{})
	d.layerInited = false
	err := d.newSessionLocked()
	d.mux.Unlock()
	if err != nil {
		return false, err
	}
	d.ReceivedIDs.Clear()
	return true, nil
}

// ResetSession generates new session id and resets sequence counter.
func (d *Data) ResetSession() error {
	d.mux.Lock()
	err := d.newSessionLocked()
	d.mux.Unlock()
	if err != nil {
		return err
	}
	d.ReceivedIDs.Clear()
	return nil
}

// LayerInited reports whether invokeWithLayer was sent in this key's lifetime.
func (d *Data) LayerInited() bool {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.layerInited
}

// SetLayerInited marks layer as initialized.
func (d *Data) SetLayerInited(v bool) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.layerInited = v
}

// MessagesSent returns count of content-related messages sent in session.
func (d *Data) MessagesSent() int32 {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.counter
}

// NextRequestSeqNumber returns sequence number for the next outgoing
// message. Counter advances only for content-related messages.
func (d *Data) NextRequestSeqNumber(contentRelated bool) int32 {
	d.mux.Lock()
	defer d.mux.Unlock()
	seq := wire.SeqNo(d.counter, contentRelated)
	if contentRelated {
		d.counter++
	}
	return seq
}

// NextFakeRequestID returns id for an internal request.
//
// The sequence restarts from FakeRequestFloor whenever no request is pending,
// acknowledged ones included, or it would reach zero.
func (d *Data) NextFakeRequestID() RequestID {
	idle := d.ToSend.Len() == 0 &&
		d.HaveSent.Len() == 0 &&
		d.ToResend.Len() == 0 &&
		d.WereAcked.Len() == 0 &&
		d.Acked.Len() == 0 &&
		d.HaveReceived.Len() == 0

	d.mux.Lock()
	defer d.mux.Unlock()
	if idle || d.fakeID == 0 || d.fakeID >= -1 {
		d.fakeID = FakeRequestFloor
	} else {
		d.fakeID++
	}
	return RequestID{Kind: KindInternal, N: d.fakeID}
}

// Clear removes all pending requests and returns ids of user requests that
// were pending. HaveReceived is left as is.
func (d *Data) Clear() []RequestID {
	seen := make(map[RequestID]struct{})
	add := func(id RequestID) {
		if id.Kind == KindUser {
			seen[id] = struct{}{}
		}
	}
	for id := range d.ToSend.Take() {
		add(id)
	}
	for _, r := range d.HaveSent.Take() {
		add(r.ID)
	}
	for _, id := range d.ToResend.Take() {
		add(id)
	}
	for _, id := range d.WereAcked.Take() {
		add(id)
	}
	for id := range d.Acked.Take() {
		add(id)
	}
	d.StateRequest.Take()

	ids := make([]RequestID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// Pending reports whether request is still waiting for a response, and
// whether it was already transmitted.
func (d *Data) Pending(id RequestID) (pending, sent bool) {
	if d.ToSend.Has(id) {
		return true, false
	}
	found := false
	d.HaveSent.View(func(m map[int64]*Request) {
		for _, r := range m {
			if r.ID == id {
				found = true
				return
			}
		}
	})
	if found {
		return true, true
	}
	d.ToResend.View(func(m map[int64]RequestID) {
		for _, rid := range m {
			if rid == id {
				found = true
				return
			}
		}
	})
	if found {
		return true, true
	}
	if d.Acked.Has(id) {
		return true, true
	}
	return false, false
}

// FirstSent returns first transmission time of a pending request.
func (d *Data) FirstSent(id RequestID) (time.Time, bool) {
	var at time.Time
	d.HaveSent.View(func(m map[int64]*Request) {
		for _, r := range m {
			if r.ID == id && !r.FirstSentAt.IsZero() {
				at = r.FirstSentAt
				return
			}
		}
	})
	if !at.IsZero() {
		return at, true
	}
	if r, ok := d.Acked.Get(id); ok && !r.FirstSentAt.IsZero() {
		return r.FirstSentAt, true
	}
	return time.Time{}, false
}
