package session

import (
	"slices"
	"time"
)

// tables gives access to request tables locked in the documented order.
type tables struct {
	toSend       map[RequestID]*Request
	haveSent     map[int64]*Request
	toResend     map[int64]RequestID
	wereAcked    map[int64]RequestID
	acked        map[RequestID]*Request
	stateRequest map[int64]struct{}
}

func (d *Data) update(f func(t *tables)) {
	d.ToSend.Update(func(toSend map[RequestID]*Request) {
		d.HaveSent.Update(func(haveSent map[int64]*Request) {
			d.ToResend.Update(func(toResend map[int64]RequestID) {
				d.WereAcked.Update(func(wereAcked map[int64]RequestID) {
					d.Acked.Update(func(acked map[RequestID]*Request) {
						d.StateRequest.Update(func(stateRequest map[int64]struct{}) {
							f(&tables{
								toSend:       toSend,
								haveSent:     haveSent,
								toResend:     toResend,
								wereAcked:    wereAcked,
								acked:        acked,
								stateRequest: stateRequest,
							})
						})
					})
				})
			})
		})
	})
}

func (t *tables) remove(id RequestID) (req *Request) {
	if r, ok := t.toSend[id]; ok {
		req = r
		delete(t.toSend, id)
	}
	for msgID, r := range t.haveSent {
		if r.ID == id && !r.Container && !r.StateQuery {
			if req == nil {
				req = r
			}
			delete(t.haveSent, msgID)
			delete(t.stateRequest, msgID)
		}
	}
	for msgID, rid := range t.toResend {
		if rid == id {
			delete(t.toResend, msgID)
		}
	}
	for msgID, rid := range t.wereAcked {
		if rid == id {
			delete(t.wereAcked, msgID)
		}
	}
	if r, ok := t.acked[id]; ok {
		if req == nil {
			req = r
		}
		delete(t.acked, id)
	}
	return req
}

// Take removes request answered by message msgID from every table.
//
// Lookup goes through HaveSent, WereAcked and ToResend, so answers to
// superseded message ids of resent requests are still matched.
func (d *Data) Take(msgID int64) (req *Request, ok bool) {
	d.update(func(t *tables) {
		var id RequestID
		if r, found := t.haveSent[msgID]; found && !r.Container && !r.StateQuery {
			id = r.ID
		} else if rid, found := t.wereAcked[msgID]; found {
			id = rid
		} else if rid, found := t.toResend[msgID]; found {
			id = rid
		}
		if id.IsZero() {
			return
		}
		req = t.remove(id)
		if req == nil {
			req = &Request{ID: id, MsgID: msgID}
		}
		ok = true
	})
	return req, ok
}

// Remove removes request from every table. Idempotent.
func (d *Data) Remove(id RequestID) (removed bool) {
	d.update(func(t *tables) {
		removed = t.remove(id) != nil
	})
	d.HaveReceived.Delete(id)
	return removed
}

func (t *tables) requeue(msgID int64, canWait time.Duration, now time.Time) bool {
	if r, ok := t.haveSent[msgID]; ok {
		delete(t.haveSent, msgID)
		switch {
		case r.Container:
			for _, inner := range r.Inner {
				t.requeue(inner, canWait, now)
			}
		case r.StateQuery:
			for _, queried := range r.Inner {
				if _, ok := t.haveSent[queried]; ok {
					t.stateRequest[queried] = struct{}{}
				}
			}
		case r.NeedsAck:
			r.CanWait = canWait
			r.QueuedAt = now
			t.toSend[r.ID] = r
			t.toResend[msgID] = r.ID
		}
		return true
	}
	if id, ok := t.wereAcked[msgID]; ok {
		delete(t.wereAcked, msgID)
		if r, ok := t.acked[id]; ok {
			delete(t.acked, id)
			r.CanWait = canWait
			r.QueuedAt = now
			t.toSend[id] = r
		}
		if _, queued := t.toSend[id]; queued {
			t.toResend[msgID] = id
		}
		return true
	}
	return false
}

// Requeue moves request sent in message msgID back to ToSend, keeping its
// request id. Containers requeue their inner messages. Returns false if
// msgID is unknown.
func (d *Data) Requeue(msgID int64, canWait time.Duration, now time.Time) (found bool) {
	d.update(func(t *tables) {
		found = t.requeue(msgID, canWait, now)
	})
	return found
}

// RequeueAll moves every sent request that still waits for an answer back
// to ToSend, including requests acknowledged by server. Containers and state
// queries are dropped. Returns count of requeued requests.
func (d *Data) RequeueAll(now time.Time) (n int) {
	d.update(func(t *tables) {
		for msgID, r := range t.haveSent {
			if r.Container || r.StateQuery || !r.NeedsAck {
				delete(t.haveSent, msgID)
				continue
			}
			if t.requeue(msgID, 0, now) {
				n++
			}
		}
		for msgID, id := range t.wereAcked {
			_, hasBody := t.acked[id]
			t.requeue(msgID, 0, now)
			if hasBody {
				n++
			}
		}
		clear(t.stateRequest)
	})
	return n
}

// SentBefore returns ids of messages sent before msgID that still wait for
// an answer, acknowledged or not.
func (d *Data) SentBefore(msgID int64) []int64 {
	var ids []int64
	d.HaveSent.View(func(m map[int64]*Request) {
		for id := range m {
			if id < msgID {
				ids = append(ids, id)
			}
		}
	})
	d.WereAcked.View(func(m map[int64]RequestID) {
		for id := range m {
			if id < msgID {
				ids = append(ids, id)
			}
		}
	})
	slices.Sort(ids)
	return ids
}

// Ack marks messages as acknowledged by server. Acknowledged requests leave
// HaveSent and are no longer subject to state queries.
func (d *Data) Ack(msgIDs []int64) (n int) {
	d.update(func(t *tables) {
		for _, msgID := range msgIDs {
			r, ok := t.haveSent[msgID]
			if !ok || r.Container || r.StateQuery {
				continue
			}
			delete(t.haveSent, msgID)
			delete(t.stateRequest, msgID)
			t.wereAcked[msgID] = r.ID
			t.acked[r.ID] = r
			n++
		}
	})
	return n
}

// QueryStale queues state query for every request sent before given time.
func (d *Data) QueryStale(before time.Time) (n int) {
	d.update(func(t *tables) {
		for msgID, r := range t.haveSent {
			if r.Container || r.StateQuery || !r.NeedsAck || !r.SentAt.Before(before) {
				continue
			}
			if _, queued := t.stateRequest[msgID]; queued {
				continue
			}
			t.stateRequest[msgID] = struct{}{}
			n++
		}
		// Drop ids queued before that left HaveSent in between.
		for msgID := range t.stateRequest {
			if _, ok := t.haveSent[msgID]; !ok {
				delete(t.stateRequest, msgID)
			}
		}
	})
	return n
}

// TakeStateQuery removes state query sent in message msgID and returns
// queried message ids.
func (d *Data) TakeStateQuery(msgID int64) (ids []int64, ok bool) {
	d.HaveSent.Update(func(haveSent map[int64]*Request) {
		r, found := haveSent[msgID]
		if !found || !r.StateQuery {
			return
		}
		delete(haveSent, msgID)
		ids, ok = r.Inner, true
	})
	return ids, ok
}

// SweepContainers removes containers whose inner messages are all gone.
func (d *Data) SweepContainers() {
	d.HaveSent.Update(func(haveSent map[int64]*Request) {
		for msgID, r := range haveSent {
			if !r.Container {
				continue
			}
			alive := false
			for _, inner := range r.Inner {
				if _, ok := haveSent[inner]; ok {
					alive = true
					break
				}
			}
			if !alive {
				delete(haveSent, msgID)
			}
		}
	})
}
